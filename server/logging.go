package server

import (
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// logRequest writes one access line with a color-coded status
func logRequest(log logrus.FieldLogger, method Method, path string, status int, elapsed time.Duration) {
	entry := log.WithField("elapsed", elapsed)
	switch {
	case status >= 500:
		entry.Info(color.YellowString("%s %s %d", method, path, status))
	case status >= 400:
		entry.Info(color.RedString("%s %s %d", method, path, status))
	case status >= 200 && status < 300:
		entry.Info(color.GreenString("%s %s %d", method, path, status))
	default:
		entry.Infof("%s %s %d", method, path, status)
	}
}
