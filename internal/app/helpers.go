package app

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// normalizeLocal fills in a loopback host for ":port" and wildcard binds
// and returns the listen addr and the URL to reach it.
func normalizeLocal(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

// applyLogLevel sets every subsystem logger to level.
func applyLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func logBanner(role, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("Talkilla %s", role)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
