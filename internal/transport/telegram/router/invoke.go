package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "tasker/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// slowRequest lifts a successful request's log line from debug to info.
const slowRequest = 750 * time.Millisecond

// invoke runs h for req under timeout, turns a panic into an error and logs
// the outcome with the request's logger.
func (r *Router) invoke(ctx context.Context, req *Request, timeout time.Duration, h HandlerFunc) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := req.logger(r.log)

	start := time.Now()
	err := recovered(ctx, req, h, log)
	took := time.Since(start)

	fields := []logx.Field{
		logx.String("kind", string(req.Update.Kind)),
		logx.String("handler", req.Handler),
		logx.Duration("dur", took),
	}
	switch {
	case err != nil:
		log.Warn("request failed", append(fields, logx.Err(err))...)
	case took >= slowRequest:
		log.Info("request ok", fields...)
	default:
		log.Debug("request ok", fields...)
	}
	return err
}

func recovered(ctx context.Context, req *Request, h HandlerFunc, log logx.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler %s panicked: %v", req.Handler, p)
		}
	}()
	return h(ctx, req)
}
