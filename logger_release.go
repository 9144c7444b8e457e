//go:build !hyperq_debug

package hyperq

import "log/slog"

var logger = slog.New(slog.DiscardHandler)
