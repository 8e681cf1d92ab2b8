package worker

import "os/exec"

func (w *ProcessWorker) killProcess(_ bool) error {
	return w.cmd.Process.Kill()
}

func initCmd(cmd *exec.Cmd) {
	// No-op on Windows.
}
