// Package logx configures unlockbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (stdout or file)
//   - Hot level/sink swaps without re-plumbing loggers through the app
package logx
