package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/hivecore/hivecore/internal/common/logger"
)

// stopTimeout bounds how long a cleanup waits on in-flight MCP sessions.
const stopTimeout = 5 * time.Second

// Provide starts the MCP server and returns an idempotent cleanup that
// stops it. Both the embedded daemon path and the standalone binary go
// through here so shutdown behaves the same in each.
func Provide(ctx context.Context, cfg Config, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cleanup := func() error {
		var cerr error
		once.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			cerr = srv.Stop(stopCtx)
		})
		return cerr
	}
	return srv, cleanup, nil
}
