// Package logger provides adapters for popular logger libraries to work with crabtree's Logger interface.
//
// The adapters allow you to use your existing logger with crabtree without writing boilerplate.
// Note that the standard library's slog.Logger already implements crabtree.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/crabtree"
//	    "github.com/alexhholmes/crabtree/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    tree, err := crabtree.Open("data.db", crabtree.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer tree.Close()
//	}
package logger
