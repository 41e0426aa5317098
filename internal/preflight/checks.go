package preflight

import (
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/models"
)

// CheckShell reports whether the command used for spawned sessions is on
// PATH. A missing shell is not fatal: sessions still work without a
// consumer process.
func CheckShell(command string) models.ShellStatus {
	status := checkCommand(command)
	if !status.Installed {
		log.Warn().Str("shell", command).Msg("shell not found, sessions will not spawn a command")
	} else {
		log.Info().Str("shell", command).Str("path", status.Path).Msg("shell found")
	}
	return status
}

func checkCommand(name string) models.ShellStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return models.ShellStatus{Name: name, Installed: false}
	}
	return models.ShellStatus{Name: name, Installed: true, Path: path}
}
