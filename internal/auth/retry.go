package auth

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// idpMaxAttempts はIdP呼び出しの最大試行回数（初回 + 再試行1回）。
const idpMaxAttempts = 2

// callIdP は試行ごとにタイムアウトを設定してfnを実行し、通信エラーの場合のみ一度だけ再試行する。
// IdPが2xx以外を返した場合や呼び出し元のコンテキストが終了した場合は即座に失敗する。
func (o *Orchestrator) callIdP(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= idpMaxAttempts; attempt++ {
		if attempt > 1 {
			if werr := o.sleep(ctx, o.config.RetryDelay); werr != nil {
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.config.HTTPTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil || !isRetryable(ctx, err) {
			return err
		}
	}
	return err
}

// isRetryable は通信レベルの失敗（接続エラー、試行単位のタイムアウト）かを判定する。
func isRetryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// sleepContext はdだけ待機する。待機中にctxが終了した場合はそのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
