package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/maneesh/gaitlab/internal/credentials"
	"github.com/maneesh/gaitlab/internal/errs"
	"github.com/maneesh/gaitlab/internal/spool"
	"github.com/maneesh/gaitlab/internal/transcode"
)

// HTTPDownloader fetches signed source URLs into local files.
type HTTPDownloader struct {
	client  *resty.Client
	spooler *spool.Spooler
	log     zerolog.Logger
}

// NewHTTPDownloader creates a downloader. Transport errors are retried up to
// retries times; HTTP error statuses are not.
func NewHTTPDownloader(timeout time.Duration, retries int, spooler *spool.Spooler, log zerolog.Logger) *HTTPDownloader {
	client := resty.New().
		SetHeader("User-Agent", "gaitlab-video/1.0").
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	log = log.With().Str("component", "source-downloader").Logger()
	client.SetLogger(restyLogger{log: log})

	return &HTTPDownloader{
		client:  client,
		spooler: spooler,
		log:     log,
	}
}

// restyLogger sends resty's retry and failure messages to zerolog. resty
// prints the request URL, so signed queries are scrubbed first.
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msg(transcode.Scrub(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Msg(transcode.Scrub(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msg(transcode.Scrub(fmt.Sprintf(format, v...)))
}

// Download writes the body at rawURL to path.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, path string) (*spool.Result, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// url.Error repeats the signed URL in its message
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, errs.E(errs.KindSourceUnreachable, "delivery.download", "video source unreachable", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		d.log.Warn().
			Str("url", credentials.Redact(rawURL)).
			Int("status", resp.StatusCode()).
			Msg("source download rejected")
		return nil, errs.E(errs.KindSourceUnreachable, "delivery.download",
			fmt.Sprintf("video source returned %d", resp.StatusCode()), nil)
	}

	res, err := d.spooler.ToFile(ctx, body, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.KindSourceUnreachable, "delivery.download", "video source download interrupted", err)
	}

	d.log.Debug().
		Str("url", credentials.Redact(rawURL)).
		Int64("bytes", res.Size).
		Int("chunks", res.Chunks).
		Str("sha256", res.Hash).
		Msg("source downloaded")
	return res, nil
}
