package orchestrator

// Exit codes are the only contract the invoking scheduler or shell
// relies on. They are grouped by phase; zero means success.
const (
	ExitOK           = 0
	ExitUnknownError = 1

	ExitBadProfile      = 2
	ExitAlreadyRunning  = 3
	ExitInvalidDataDir  = 4
	ExitInvalidCacheDir = 5

	ExitToolNotFound       = 10
	ExitCacheUpdateFailed  = 11
	ExitModMetadataFailed  = 12
	ExitServerUpdateFailed = 13
	ExitModUpdateFailed    = 14

	ExitShutdownTimeout  = 20
	ExitBadEndpoint      = 21
	ExitServerNotRunning = 22
	ExitRestartFailed    = 23

	ExitCancelled = 30
)

// ExitCodeName returns a short human label for logs.
func ExitCodeName(code int) string {
	switch code {
	case ExitOK:
		return "ok"
	case ExitUnknownError:
		return "unknown-error"
	case ExitBadProfile:
		return "bad-profile"
	case ExitAlreadyRunning:
		return "already-running"
	case ExitInvalidDataDir:
		return "invalid-data-dir"
	case ExitInvalidCacheDir:
		return "invalid-cache-dir"
	case ExitToolNotFound:
		return "download-tool-not-found"
	case ExitCacheUpdateFailed:
		return "cache-update-failed"
	case ExitModMetadataFailed:
		return "mod-metadata-failed"
	case ExitServerUpdateFailed:
		return "server-update-failed"
	case ExitModUpdateFailed:
		return "mod-update-failed"
	case ExitShutdownTimeout:
		return "shutdown-timeout"
	case ExitBadEndpoint:
		return "bad-endpoint"
	case ExitServerNotRunning:
		return "server-not-running"
	case ExitRestartFailed:
		return "restart-failed"
	case ExitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
