package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Request 描述一次传输：从 URL 拉取正文写入 Destination。
type Request struct {
	URL string
	// Destination 由 Coordinator 给出的暂存文件，下载器只负责截断后写入。
	Destination string
	Background  bool
}

// Callbacks 在传输过程中回调；均可为 nil。
type Callbacks struct {
	// Begin 在响应头到达后调用一次。
	Begin func(status int, contentLength int64)
	// Progress 在每次写入后调用，contentLength 未知时为 -1。
	Progress func(bytesWritten, contentLength int64)
}

// Result 是传输结束时的状态。
type Result struct {
	StatusCode   int
	BytesWritten int64
}

// Downloader abstracts the transfer so the coordinator can be driven by fakes in tests.
type Downloader interface {
	Download(ctx context.Context, req Request, cb Callbacks) (Result, error)
}

// HTTPDownloaderOptions 控制 HTTPDownloader 的行为。
type HTTPDownloaderOptions struct {
	UserAgent string
	// ForegroundTimeout 只作用于非后台任务；<=0 表示不设置截止时间。
	ForegroundTimeout time.Duration
}

// HTTPDownloader 通过 GET 拉取资源写入 Request.Destination。
type HTTPDownloader struct {
	client *http.Client
	opts   HTTPDownloaderOptions
}

// NewHTTPDownloader 构造下载器，client 为 nil 时使用 NewHTTPClient。
func NewHTTPDownloader(client *http.Client, opts HTTPDownloaderOptions) *HTTPDownloader {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPDownloader{client: client, opts: opts}
}

// Download 执行请求。403/404 仅返回状态码，不写入正文；其余非 2xx 视为传输错误。
func (d *HTTPDownloader) Download(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	if !req.Background && d.opts.ForegroundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.ForegroundTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrTransfer, err)
	}
	if d.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", d.opts.UserAgent)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer resp.Body.Close()

	if cb.Begin != nil {
		cb.Begin(resp.StatusCode, resp.ContentLength)
	}

	result := Result{StatusCode: resp.StatusCode}
	if IsNotFoundStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("%w: unexpected status %d", ErrTransfer, resp.StatusCode)
	}

	f, err := os.OpenFile(req.Destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return result, fmt.Errorf("%w: open destination: %v", ErrTransfer, err)
	}

	written, err := copyWithProgress(ctx, f, resp.Body, resp.ContentLength, cb.Progress)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	result.BytesWritten = written
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}
		return result, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return result, fmt.Errorf("%w: short body %d/%d", ErrTransfer, written, resp.ContentLength)
	}
	return result, nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(int64, int64)) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
			if progress != nil {
				progress(copied, total)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return copied, ctxErr
			}
			return copied, err
		}
	}
}
