// Package logx is the structured logging facade on top of zerolog.
//
//   - Console output stays readable (short timestamp + short caller).
//   - File output is JSON.
//   - An optional chat sink forwards warn+ lines to an operator chat,
//     rate limited and never blocking the caller.
package logx
