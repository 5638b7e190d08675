package hub

import (
	"fmt"
	"net"

	"github.com/prxssh/dchub/internal/identity"
)

// RequestConnection emits a CTM (ADC) or $ConnectToMe (NMDC) asking target
// to dial us back at ourPort, or an RCM/$RevConnectToMe asking target to
// offer a CTM of its own when reverse is true (we are passive, or target
// is). token is echoed back in the peer's CINF TO field (ADC only; NMDC has
// no token and pairs connections by nick instead).
func (h *Hub) RequestConnection(target identity.CID, ourPort int, token string, reverse bool) error {
	if err := h.checkState(StateNormal); err != nil {
		return err
	}

	h.mut.Lock()
	id, ok := h.usersByCID[target]
	dialect := h.dialect
	h.mut.Unlock()
	if !ok {
		return fmt.Errorf("hub: no online user with CID %s", target)
	}

	if dialect == DialectADC {
		return h.requestConnectionADC(id.SID, ourPort, token, reverse)
	}
	return h.requestConnectionNMDC(id.Get("NI"), ourPort, reverse)
}

func (h *Hub) requestConnectionADC(targetSID identity.SID, ourPort int, token string, reverse bool) error {
	cmd := "CTM"
	if reverse {
		cmd = "RCM"
	}

	h.mut.Lock()
	ownSID := h.ownSID
	h.mut.Unlock()

	line := fmt.Sprintf("D%s%s%s ADC/1.0", cmd, ownSID.String(), targetSID.String())
	if !reverse {
		line += fmt.Sprintf(" %d %s", ourPort, token)
	} else {
		line += " " + token
	}
	return h.writeLine(line)
}

func (h *Hub) requestConnectionNMDC(targetNick string, ourPort int, reverse bool) error {
	if targetNick == "" {
		return fmt.Errorf("hub: NMDC peer has no known nick")
	}

	if reverse {
		return h.writeLine(fmt.Sprintf("$RevConnectToMe %s %s", h.cfg.Nick, targetNick))
	}

	ourHost := h.ourAddress()
	return h.writeLine(fmt.Sprintf("$ConnectToMe %s %s:%d", targetNick, ourHost, ourPort))
}

// ourAddress best-efforts our own outward IP from the hub socket's local
// address. NAT/port-forwarding correctness beyond this is out of scope;
// passive-mode users should request reverse connections instead.
func (h *Hub) ourAddress() string {
	h.mut.Lock()
	conn := h.conn
	h.mut.Unlock()
	if conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String()
	}
	return host
}
