package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/prxssh/dchub/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the download queue",
}

func queuePath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.DownloadDir, "Queue.xml"), nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := queuePath()
		if err != nil {
			return err
		}
		items, _, err := queue.Load(path)
		if err != nil {
			return err
		}
		table := newTable([]string{"TARGET", "SIZE", "DONE", "PRIORITY", "SOURCES"})
		for _, it := range items {
			table.Append([]string{
				it.Target,
				strconv.FormatInt(it.Size, 10),
				strconv.FormatInt(it.DoneBytes(), 10),
				strconv.Itoa(int(it.Priority)),
				strconv.Itoa(it.SourceCount()),
			})
		}
		table.Render()
		return nil
	},
}

func setPriority(target string, prio queue.Priority) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	items, _, err := queue.Load(path)
	if err != nil {
		return err
	}

	// Sources aren't re-registered here: Queue.xml's saved sources resolve
	// to CIDs only, and turning a CID back into a live *identity.User
	// needs the identity registry a running Core owns, not this
	// one-shot CLI invocation. Priority/removal edits don't touch sources.
	mgr := queue.NewManager(logger)
	found := false
	for _, it := range items {
		if it.Target == target {
			it.Priority = prio
			found = true
		}
		mgr.Add(it)
	}
	if !found {
		return fmt.Errorf("queue: no item targeting %s", target)
	}
	return mgr.Save(path)
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <target>",
	Short: "Pause a queued download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPriority(args[0], queue.PriorityPaused)
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <target>",
	Short: "Resume a paused download at normal priority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPriority(args[0], queue.DefaultPriority)
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <target>",
	Short: "Remove a download from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := queuePath()
		if err != nil {
			return err
		}
		items, _, err := queue.Load(path)
		if err != nil {
			return err
		}
		mgr := queue.NewManager(logger)
		for _, it := range items {
			if it.Target == args[0] {
				continue
			}
			mgr.Add(it)
		}
		return mgr.Save(path)
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queuePauseCmd, queueResumeCmd, queueRemoveCmd)
}
