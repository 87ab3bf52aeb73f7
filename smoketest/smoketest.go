// Package smoketest checks that a rank can decompose a point set: it builds
// the same random points serially and across in-process ranks, then
// compares the partitions.
package smoketest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/transport"
	"github.com/segmentio/encoding/json"
	"github.com/valyala/fastrand"
)

const (
	ErrTypeBadRequest = "smoke-test-bad-request"
	ErrTypeMismatch   = "smoke-test-mismatch"

	defaultProcesses = 4
	defaultPoints    = 1000
	defaultTimeout   = 30 * time.Second

	maxProcesses = 64
	maxPoints    = 1000000
)

type Options struct {
	// The build parameters of both builds.
	Params kdtree.Params

	// Called once per request with the outcome of the test.
	SendResult func(context.Context, Result) error
}

// Request describes a smoke test. Zero values get defaults.
type Request struct {
	Processes int           `json:"processes"`
	Points    int           `json:"points"`
	Seed      uint32        `json:"seed"`
	Timeout   time.Duration `json:"timeout"`
}

func (r *Request) validate() error {
	if r.Processes == 0 {
		r.Processes = defaultProcesses
	}
	if r.Points == 0 {
		r.Points = defaultPoints
	}
	if r.Timeout <= 0 {
		r.Timeout = defaultTimeout
	}
	if r.Seed == 0 {
		r.Seed = fastrand.Uint32()
	}

	if r.Processes < 1 || r.Processes > maxProcesses {
		return errors.New("invalid number of processes").
			WithType(ErrTypeBadRequest).
			WithTag("processes", r.Processes).
			WithTag("max", maxProcesses)
	}
	if r.Points < 1 || r.Points > maxPoints {
		return errors.New("invalid number of points").
			WithType(ErrTypeBadRequest).
			WithTag("points", r.Points).
			WithTag("max", maxPoints)
	}
	return nil
}

type Result struct {
	Processes         int           `json:"processes"`
	Points            int           `json:"points"`
	Seed              uint32        `json:"seed"`
	Regions           int           `json:"regions"`
	Fingerprint       string        `json:"fingerprint"`
	SerialFingerprint string        `json:"serial_fingerprint"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
}

// HandleSmokeTest starts a smoke test in the background and answers right
// away. The result goes to opts.SendResult.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errors.New("reading body failed").Wrap(err))
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				writeError(w, http.StatusBadRequest, errors.New("decoding request failed").
					WithType(ErrTypeBadRequest).
					Wrap(err))
				return
			}
		}
		if err := req.validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		go func() {
			res, err := Run(ctx, opts.Params, req)
			if err != nil {
				logs.WithTag("processes", req.Processes).
					WithTag("points", req.Points).
					WithTag("seed", req.Seed).
					Warn(err)
			}

			if err := opts.SendResult(ctx, res); err != nil {
				logs.WithTag("processes", req.Processes).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}()

		w.WriteHeader(http.StatusOK)
	}
}

// Run decomposes random points in the unit cube with one process, then with
// req.Processes in-process ranks, and fails when the partitions differ.
func Run(ctx context.Context, params kdtree.Params, req Request) (Result, error) {
	start := time.Now()
	res := Result{
		Processes: req.Processes,
		Points:    req.Points,
		Seed:      req.Seed,
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	points := pointset.Random(req.Points, req.Seed, kdtree.NewBox(0, 1, 0, 1, 0, 1))

	serial, err := build(ctx, params, points, 1)
	if err != nil {
		return res.failed(start, errors.New("serial build failed").Wrap(err))
	}
	res.SerialFingerprint = serial.Cuts().Fingerprint()

	parallel, err := build(ctx, params, points, req.Processes)
	if err != nil {
		return res.failed(start, errors.New("parallel build failed").Wrap(err))
	}
	res.Fingerprint = parallel.Cuts().Fingerprint()
	res.Regions = parallel.NumberOfRegions()
	res.Duration = time.Since(start)

	if res.Fingerprint != res.SerialFingerprint {
		return res.failed(start, errors.New("partitions differ").
			WithType(ErrTypeMismatch).
			WithTag("fingerprint", res.Fingerprint).
			WithTag("serial_fingerprint", res.SerialFingerprint))
	}

	logs.WithTag("processes", res.Processes).
		WithTag("points", res.Points).
		WithTag("regions", res.Regions).
		WithTag("duration", res.Duration).
		Info("smoke test succeeded")
	return res, nil
}

func (r Result) failed(start time.Time, err error) (Result, error) {
	r.Duration = time.Since(start)
	r.Error = err.Error()
	return r, err
}

// build returns the locator of rank 0 once every rank built.
func build(ctx context.Context, params kdtree.Params, points *pointset.Points, size int) (*pkdtree.Locator, error) {
	locators := make([]*pkdtree.Locator, size)

	errs := transport.Run(ctx, size, func(ctx context.Context, t transport.Transport) error {
		l := pkdtree.NewLocator(t, pkdtree.Options{Params: params})
		l.SetDatasets(pointset.Slice(points, t.Rank(), size))
		locators[t.Rank()] = l
		return l.BuildLocator(ctx)
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return locators[0], nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	b, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"type":  errors.Type(err),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
