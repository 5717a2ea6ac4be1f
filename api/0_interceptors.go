package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fulldump/box"
)

func RecoverFromPanic(next box.H) box.H {
	return func(ctx context.Context) {
		defer func() {
			if err := recover(); err != nil {
				debug.PrintStack()
				box.SetError(ctx, fmt.Errorf("panic: %v", err))
			}
		}()
		next(ctx)
	}
}

type accessEntry struct {
	Time     string `json:"time"`
	Remote   string `json:"remote"`
	Method   string `json:"method"`
	Url      string `json:"url"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// AccessLog writes one JSON line per request.
func AccessLog(l *log.Logger) box.I {
	return func(next box.H) box.H {
		return func(ctx context.Context) {
			r := box.GetRequest(ctx)
			now := time.Now()
			defer func() {
				entry := accessEntry{
					Time:     now.UTC().Format(time.RFC3339Nano),
					Remote:   formatRemoteAddr(r),
					Method:   r.Method,
					Url:      r.URL.String(),
					Duration: time.Since(now).String(),
				}
				if err := box.GetError(ctx); err != nil {
					entry.Error = err.Error()
				}
				line, _ := json.Marshal(entry)
				l.Println(string(line))
			}()

			next(ctx)
		}
	}
}

func formatRemoteAddr(r *http.Request) string {
	xorigin := strings.TrimSpace(strings.Split(
		r.Header.Get("X-Forwarded-For"), ",")[0])
	if xorigin != "" {
		return xorigin
	}

	i := strings.LastIndex(r.RemoteAddr, ":")
	if i < 0 {
		return r.RemoteAddr
	}
	return r.RemoteAddr[0:i]
}
