package cli

import (
	"fmt"

	"github.com/prxssh/dchub/internal/hub"
	"github.com/prxssh/dchub/internal/identity"
)

// noopListener logs status and redirect events through the CLI logger and
// prints chat and private messages to stdout; other events are ignored. It's
// the default Listener until an interactive session (or a richer UI) is
// wired in.
type noopListener struct{}

func (noopListener) OnStatus(h *hub.Hub, message string) {
	logger.Info("hub status", "message", message)
}

func (noopListener) OnChatMessage(h *hub.Hub, from string, text string) {
	fmt.Printf("<%s> %s\n", from, text)
}

func (noopListener) OnPrivateMessage(h *hub.Hub, from identity.SID, text string) {
	fmt.Printf("PM <%s> %s\n", from, text)
}

func (noopListener) OnUserJoin(h *hub.Hub, u *hub.Identity) {}

func (noopListener) OnUserQuit(h *hub.Hub, sid identity.SID) {}

func (noopListener) OnSearchResult(h *hub.Hub, res hub.SearchResult) {}

func (noopListener) OnConnectRequest(h *hub.Hub, req hub.ConnectRequest) {}

func (noopListener) OnPasswordRequired(h *hub.Hub) {}

func (noopListener) OnRedirect(h *hub.Hub, url string) {
	logger.Warn("hub redirect", "url", url)
}
