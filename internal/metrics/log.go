package metrics

import "log/slog"

var log = slog.Default()
