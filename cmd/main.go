package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/kdpart/featureflag"
	kdparthttp "github.com/aukilabs/kdpart/http"
	"github.com/aukilabs/kdpart/kdtree"
	"github.com/aukilabs/kdpart/models"
	"github.com/aukilabs/kdpart/pkdtree"
	"github.com/aukilabs/kdpart/pointset"
	"github.com/aukilabs/kdpart/smoketest"
	"github.com/aukilabs/kdpart/transport"
	"github.com/aukilabs/kdpart/websocket"
	"github.com/klauspost/cpuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
)

var (
	// The kdpart version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "kdpart_info",
		Help:        "Kdpart information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"KDPART_ADDR"                 help:"Listening address for the mesh and the query API."`
	AdminAddr          string        `cli:""        env:"KDPART_ADMIN_ADDR"           help:"Admin listening address."`
	Rank               int           `cli:""        env:"KDPART_RANK"                 help:"The rank of this process in the cluster."`
	Peers              []string      `cli:""        env:"KDPART_PEERS"                help:"Comma separated mesh URLs of every rank, ordered by rank."`
	ClusterID          string        `cli:""        env:"KDPART_CLUSTER_ID"           help:"The UUID shared by every rank of the cluster."`
	LogLevel           string        `cli:""        env:"KDPART_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"KDPART_LOG_INDENT"           help:"Indent logs."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"KDPART_LOG_SUMMARY_INTERVAL" help:"The duration between each inbound frame summary."`
	DialRetryInterval  time.Duration `cli:",hidden" env:"KDPART_DIAL_RETRY_INTERVAL"  help:"The duration between each dial of a missing peer."`
	ConnectTimeout     time.Duration `cli:",hidden" env:"KDPART_CONNECT_TIMEOUT"      help:"Time to wait for every peer to connect."`
	BuildInterval      time.Duration `cli:",hidden" env:"KDPART_BUILD_INTERVAL"       help:"The duration between each rebuild. Zero builds once."`
	BuildHistory       int           `cli:",hidden" env:"KDPART_BUILD_HISTORY"        help:"The number of builds kept for queries."`
	Points             pointsConfig  `cli:",hidden" env:"-"                           help:"Point source configuration."`
	Build              buildConfig   `cli:",hidden" env:"-"                           help:"Decomposition configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                           help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"KDPART_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                           help:"Show version."`
	Help               bool          `cli:""        env:"-"                           help:"Show help."`
}

type pointsConfig struct {
	File  string `cli:",hidden" env:"KDPART_POINTS_FILE"  help:"JSON file holding the points of the whole cluster. Each rank takes its slice."`
	Count int    `cli:",hidden" env:"KDPART_POINTS_COUNT" help:"The number of random points in the unit cube when no file is given."`
	Seed  int    `cli:",hidden" env:"KDPART_POINTS_SEED"  help:"The seed of the random points."`
}

type buildConfig struct {
	MaxLevel         int      `cli:",hidden" env:"KDPART_MAX_LEVEL"          help:"The maximum depth of the tree."`
	MinCells         int      `cli:",hidden" env:"KDPART_MIN_CELLS"          help:"The minimum number of points in a region."`
	RegionsOrLess    int      `cli:",hidden" env:"KDPART_REGIONS_OR_LESS"    help:"Stop dividing once there are at least this many regions."`
	RegionsOrMore    int      `cli:",hidden" env:"KDPART_REGIONS_OR_MORE"    help:"Keep dividing until there are at least this many regions."`
	ValidDirections  []string `cli:",hidden" env:"KDPART_VALID_DIRECTIONS"   help:"Comma separated axes regions may be cut along (x,y,z)."`
	AssignmentPolicy string   `cli:",hidden" env:"KDPART_ASSIGNMENT_POLICY"  help:"Region assignment (none|contiguous|round-robin|user-defined)."`
	UserAssignment   []string `cli:",hidden" env:"KDPART_USER_ASSIGNMENT"    help:"Comma separated process of every region, for the user-defined policy."`
	MemoryBudgetMiB  int      `cli:",hidden" env:"KDPART_MEMORY_BUDGET_MIB"  help:"The memory point buffers may take. Zero uses half of the physical memory."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"KDPART_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"KDPART_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"KDPART_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"KDPART_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	params := kdtree.DefaultParams()

	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		Peers:              []string{"ws://localhost:4000/mesh"},
		LogLevel:           logs.InfoLevel.String(),
		LogSummaryInterval: time.Minute,
		DialRetryInterval:  time.Second,
		ConnectTimeout:     time.Minute * 5,
		BuildHistory:       16,
		Points: pointsConfig{
			Count: 100000,
			Seed:  1,
		},
		Build: buildConfig{
			MaxLevel:         params.MaxLevel,
			MinCells:         params.MinCells,
			ValidDirections:  []string{"x", "y", "z"},
			AssignmentPolicy: pkdtree.ContiguousAssignment.String(),
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts a kdpart rank.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	opts, err := locatorOptions(conf)
	if err != nil {
		logs.Fatal(errors.New("invalid build configuration").Wrap(err))
	}

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "kdpart",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	flags := featureflag.New(conf.FeatureFlags)
	flags.IfSet(featureflag.FlagQueryDataBounds, func() {
		opts.UseDataBounds = true
	})
	flags.IfSet(featureflag.FlagDisableFingerprintCheck, func() {
		opts.CheckFingerprint = false
	})

	if conf.ClusterID == "" && len(conf.Peers) == 1 {
		conf.ClusterID = websocket.NewClusterID()
	}

	mesh, err := websocket.NewMesh(websocket.Config{
		Rank:              conf.Rank,
		Peers:             conf.Peers,
		ClusterID:         conf.ClusterID,
		DialRetryInterval: conf.DialRetryInterval,
		SummaryInterval:   conf.LogSummaryInterval,
	})
	if err != nil {
		logs.Fatal(errors.New("invalid mesh configuration").Wrap(err))
	}
	defer mesh.Close()

	points, err := loadPoints(conf.Points)
	if err != nil {
		logs.Fatal(errors.New("loading points failed").Wrap(err))
	}

	builds := models.BuildStore{Limit: conf.BuildHistory}

	readinessCheck := func() bool {
		return mesh.IsConnected() && builds.Len() != 0
	}

	cluster := kdparthttp.ClusterInfo{
		ClusterID: conf.ClusterID,
		Rank:      conf.Rank,
		Size:      len(conf.Peers),
		Connected: mesh.IsConnected,
	}
	api := kdparthttp.API{
		Builds:  &builds,
		Cluster: cluster,
	}

	var service http.ServeMux
	service.Handle("/mesh", mesh)
	service.Handle("/api/", kdparthttp.HandleWithCORS(api.Handler()))
	service.Handle("/health", kdparthttp.HandleWithCORS(http.HandlerFunc(kdparthttp.HandleHealthCheck)))
	service.Handle("/version", kdparthttp.HandleWithCORS(http.HandlerFunc(kdparthttp.HandleVersion(version))))
	service.Handle("/ready", kdparthttp.HandleWithCORS(http.HandlerFunc(kdparthttp.HandleReadyCheck(readinessCheck))))
	service.HandleFunc("/smoke-test", kdparthttp.VerifyClusterID(conf.ClusterID, smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Params: opts.Params,
		SendResult: func(ctx context.Context, res smoketest.Result) error {
			logs.WithTag("processes", res.Processes).
				WithTag("points", res.Points).
				WithTag("seed", res.Seed).
				WithTag("regions", res.Regions).
				WithTag("duration", res.Duration).
				WithTag("error", res.Error).
				Info("smoke test result")
			return nil
		},
	})))

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", kdparthttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", kdparthttp.HandleReadyCheck(readinessCheck))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("rank", conf.Rank).
		WithTag("size", len(conf.Peers)).
		WithTag("feature_flags", flags.List()).
		WithTag("cpu", cpuid.CPU.BrandName).
		WithTag("physical_cores", cpuid.CPU.PhysicalCores).
		WithTag("logical_cores", cpuid.CPU.LogicalCores).
		WithTag("avx2", cpuid.CPU.AVX2()).
		Info("starting kdpart rank")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		err := decompose(ctx, decomposition{
			mesh:           mesh,
			connectTimeout: conf.ConnectTimeout,
			interval:       conf.BuildInterval,
			points:         pointset.Slice(points, conf.Rank, len(conf.Peers)),
			opts:           opts,
			flags:          flags,
			builds:         &builds,
		})
		if err != nil && err != context.Canceled {
			logs.Warn(errors.New("decomposition stopped").Wrap(err))
		}
	}()

	kdparthttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			kdparthttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	wg.Wait()
}

type decomposition struct {
	mesh           *websocket.Mesh
	connectTimeout time.Duration
	interval       time.Duration
	points         *pointset.Points
	opts           pkdtree.Options
	flags          featureflag.FeatureFlag
	builds         *models.BuildStore
}

// decompose connects the mesh then builds the decomposition, once or every
// interval, until ctx is done. A failed build keeps the previous ones
// queryable.
func decompose(ctx context.Context, d decomposition) error {
	connectCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	err := d.mesh.Connect(connectCtx)
	cancel()
	if err != nil {
		return errors.New("connecting the mesh failed").Wrap(err)
	}

	l := pkdtree.NewLocator(d.mesh, d.opts)
	l.SetDatasets(d.points)

	for {
		if err := buildOnce(ctx, l, d); err != nil {
			if ctx.Err() != nil || meshLost(err, d.mesh) {
				return err
			}
			logs.Warn(errors.New("build failed").Wrap(err))
		}

		if d.interval <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.interval):
			l.Modified()
		}
	}
}

// meshLost reports whether a build failed because the mesh lost a peer. The
// mesh does not reconnect, so no later build can succeed.
func meshLost(err error, mesh interface{ IsConnected() bool }) bool {
	return errors.IsType(err, websocket.ErrTypeNotConnected) ||
		errors.IsType(err, transport.ErrTypeClosed) ||
		!mesh.IsConnected()
}

func buildOnce(ctx context.Context, l *pkdtree.Locator, d decomposition) error {
	start := time.Now()

	if err := l.BuildLocator(ctx); err != nil {
		return err
	}

	var tablesErr error
	d.flags.IfNotSet(featureflag.FlagDisableProcessTables, func() {
		tablesErr = l.CreateProcessCellCountData(ctx)
	})
	if tablesErr != nil {
		return tablesErr
	}

	if names := d.points.ArrayNames(); len(names) != 0 {
		if err := l.CreateGlobalDataArrayBounds(ctx, names); err != nil {
			return err
		}
	}

	b, err := models.NewBuild(l, d.mesh.Rank(), d.mesh.Size(), time.Since(start))
	if err != nil {
		return err
	}
	d.builds.Add(b)

	logs.WithTag("build_id", b.ID).
		WithTag("regions", b.Regions).
		WithTag("level", b.Level).
		WithTag("total_cells", b.TotalCells).
		WithTag("fingerprint", b.Fingerprint).
		WithTag("duration", b.Duration).
		Info("decomposition built")
	return nil
}

func locatorOptions(conf config) (pkdtree.Options, error) {
	params := kdtree.DefaultParams()
	params.MaxLevel = conf.Build.MaxLevel
	params.MinCells = conf.Build.MinCells
	params.NumberOfRegionsOrLess = conf.Build.RegionsOrLess
	params.NumberOfRegionsOrMore = conf.Build.RegionsOrMore

	dirs, err := parseDirections(conf.Build.ValidDirections)
	if err != nil {
		return pkdtree.Options{}, err
	}
	params.ValidDirections = dirs

	policy, err := pkdtree.ParseAssignmentPolicy(conf.Build.AssignmentPolicy)
	if err != nil {
		return pkdtree.Options{}, err
	}

	var userMap []int
	if policy == pkdtree.UserDefinedAssignment {
		for _, s := range conf.Build.UserAssignment {
			p, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return pkdtree.Options{}, errors.New("invalid user assignment").
					WithTag("process", s).
					Wrap(err)
			}
			userMap = append(userMap, p)
		}
	}

	budget := pkdtree.DefaultMemoryBudget()
	if conf.Build.MemoryBudgetMiB > 0 {
		budget = uint64(conf.Build.MemoryBudgetMiB) << 20
	}

	return pkdtree.Options{
		Params:           params,
		Assignment:       policy,
		UserAssignment:   userMap,
		MemoryBudget:     budget,
		CheckFingerprint: true,
	}, nil
}

func parseDirections(axes []string) (int, error) {
	dirs := 0
	for _, a := range axes {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "x":
			dirs |= kdtree.XDir
		case "y":
			dirs |= kdtree.YDir
		case "z":
			dirs |= kdtree.ZDir
		default:
			return 0, errors.New("invalid cut direction").WithTag("axis", a)
		}
	}
	if dirs == 0 {
		return 0, errors.New("no cut direction")
	}
	return dirs, nil
}

func loadPoints(conf pointsConfig) (*pointset.Points, error) {
	if conf.File == "" {
		return pointset.Random(conf.Count, uint32(conf.Seed), kdtree.NewBox(0, 1, 0, 1, 0, 1)), nil
	}

	f, err := os.Open(conf.File)
	if err != nil {
		return nil, errors.New("opening points file failed").
			WithTag("file_name", conf.File).
			Wrap(err)
	}
	defer f.Close()

	return pointset.Load(f)
}
