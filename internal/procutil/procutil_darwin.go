//go:build darwin

package procutil

import "os/exec"

// StartWithCleanup starts the command. On macOS there is no kernel-level
// mechanism like Linux's Pdeathsig to kill a child when the parent dies;
// graceful shutdown is handled by exec.CommandContext. Ungraceful
// supervisor death (SIGKILL) will leave orphaned children.
func StartWithCleanup(cmd *exec.Cmd) error {
	return cmd.Start()
}
