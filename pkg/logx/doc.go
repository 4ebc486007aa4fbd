// Package logx is groupcast's structured logging layer.
//
// A thin Logger wraps zerolog so call sites pass typed fields
// (logx.String, logx.Int, logx.Err, ...) instead of touching zerolog events.
// Outputs:
//   - console: short timestamp + file:line caller
//   - file: JSON lines
//   - telegram: warnings and above, rate limited, never blocking the caller
package logx
