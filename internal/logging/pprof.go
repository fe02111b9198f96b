package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"time"
)

const pprofAddr = "localhost:6060"

// startPprof serves the default mux (pprof handlers only) on localhost.
func startPprof() {
	go func() {
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		Logger().Info("pprof_server_start", slog.String("addr", pprofAddr))
		if err := srv.ListenAndServe(); err != nil {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
