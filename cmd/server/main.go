// Command ocpp-sim runs one charge point simulator: it dials a CSMS over
// OCPP 1.6J, drives its connectors through local CLI commands or a
// scripted scenario, and reports command errors on stderr (only connect,
// status and scenario run print to stdout on success). See
// internal/chargepoint, internal/scenario and internal/config
// for the pieces this wires together.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/boundary"
	"github.com/ruslanhut/ocpp-sim/internal/chargepoint"
	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/config"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
	"github.com/ruslanhut/ocpp-sim/internal/persistence"
	"github.com/ruslanhut/ocpp-sim/internal/scenario"
	"github.com/ruslanhut/ocpp-sim/internal/transport"
)

const appName = "ocpp-sim"

func main() {
	configPath := flag.String("conf", "", "path to config file (yaml)")
	scenarioDir := flag.String("scenario-dir", "./scenarios", "directory the filesystem ScenarioRepository reads/writes")
	mongoURI := flag.String("mongo-uri", "", "MongoDB URI; when set, config and scenarios persist to Mongo instead of disk")
	mongoDB := flag.String("mongo-db", "ocpp_sim", "MongoDB database name")
	autoConnect := flag.Bool("connect", false, "dial the CSMS immediately on startup")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	configStore, scenarioRepo, closeStores := buildStores(logger, *mongoURI, *mongoDB, *scenarioDir)
	defer closeStores()
	if stored, err := configStore.Load(); err == nil && stored != nil {
		cfg = stored
	}

	clk := clock.New()
	bus := eventbus.New(logger)

	var uploadSink boundary.FileUploadSink = boundary.NoopUploadSink{}

	var cpRef chargePointRef

	tcfg := transport.Config{
		URL:           cfg.WsURL,
		ChargePointID: cfg.CpID,
		OnMessage: func(data []byte) {
			cpRef.dispatch(data)
		},
	}
	if cfg.BasicAuth != nil {
		tcfg.BasicAuthUsername = cfg.BasicAuth.Username
		tcfg.BasicAuthPassword = cfg.BasicAuth.Password
	}
	tr := transport.New(tcfg, logger, bus, clk)

	autoStrategy, autoSend := autoMeterStrategyFrom(cfg.AutoMeterValue)

	cp := chargepoint.New(chargepoint.Config{
		ID:             cfg.CpID,
		ConnectorCount: cfg.ConnectorNumber,
		Boot: chargepoint.BootInfo{
			Vendor:          cfg.BootNotification.ChargePointVendor,
			Model:           cfg.BootNotification.ChargePointModel,
			FirmwareVersion: cfg.BootNotification.FirmwareVersion,
		},
		AutoResetToAvail:  true,
		HistorySize:       1000,
		AutoMeterStrategy: autoStrategy,
		AutoMeterSend:     autoSend,
		Bus:               bus,
	}, tr, clk, nil)
	cpRef.cp = cp

	cp.SetUploadSink(uploadSink)

	unsubscribe := configStore.Subscribe(func(*config.Config) {
		logger.Info("config changed externally; restart to apply")
	})
	defer unsubscribe()

	if def, err := scenarioRepo.Load(cfg.CpID, 0); err == nil && def != nil {
		logger.Info("loaded chargePoint-targeted scenario", "id", def.ID)
	}

	repl := &repl{
		cp:           cp,
		cfg:          cfg,
		scenarioRepo: scenarioRepo,
		clk:          clk,
		out:          os.Stdout,
		executors:    make(map[int]*scenario.Executor),
	}

	if *autoConnect {
		if err := repl.connect(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	repl.run(os.Stdin)
}

// chargePointRef lets the transport's OnMessage callback be wired before
// the ChargePoint it dispatches into exists: transport.New needs the
// callback up front, but the ChargePoint needs the already-constructed
// transport. A dropped frame before cp is set is impossible in practice
// since Connect() is never called before this assignment.
type chargePointRef struct {
	cp *chargepoint.ChargePoint
}

func (r *chargePointRef) dispatch(data []byte) {
	if r.cp != nil {
		r.cp.Router().Dispatch(data)
	}
}

// autoMeterStrategyFrom translates the persisted AutoMeterValue config
// into the metercurve.Strategy variant a new transaction starts under.
// Battery-curve parameters take precedence when both look configured.
func autoMeterStrategyFrom(cfg *config.AutoMeterValue) (*metercurve.Strategy, bool) {
	if cfg == nil || !cfg.Enabled {
		return nil, false
	}
	if cfg.BatteryCapacity > 0 {
		return &metercurve.Strategy{BatteryCurve: &metercurve.BatteryCurveStrategy{
			CapacityKwh: cfg.BatteryCapacity,
			InitialSoC:  cfg.InitialSoC,
			MaxPowerW:   cfg.MaxPowerW,
		}}, cfg.SendMessage
	}
	return &metercurve.Strategy{Increment: &metercurve.IncrementStrategy{
		IntervalSeconds: cfg.IntervalSeconds,
		IncrementValue:  cfg.IncrementValue,
	}}, cfg.SendMessage
}

func buildStores(logger *slog.Logger, mongoURI, mongoDB, scenarioDir string) (boundary.ConfigStore, scenario.Repository, func()) {
	if mongoURI == "" {
		return config.NewFileStore("./config.yaml"), scenario.NewFileRepository(scenarioDir), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := persistence.Dial(ctx, persistence.MongoConfig{URI: mongoURI, Database: mongoDB})
	if err != nil {
		logger.Error("mongo dial failed, falling back to file-backed stores", "error", err)
		return config.NewFileStore("./config.yaml"), scenario.NewFileRepository(scenarioDir), func() {}
	}
	logger.Info("connected to MongoDB for config/scenario persistence", "database", mongoDB)
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	}
	return client.ConfigStore("default"), client.ScenarioRepository(), closeFn
}

// repl is the interactive command surface: connect, disconnect, status,
// start/stop, meter, heartbeat, authorize, connector-status, help, exit.
type repl struct {
	cp           *chargepoint.ChargePoint
	cfg          *config.Config
	scenarioRepo scenario.Repository
	clk          clock.Clock
	out          *os.File
	executors    map[int]*scenario.Executor
}

func (r *repl) run(in *os.File) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(r.out, "%s ready. Type 'help' for commands.\n", appName)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if r.dispatch(line) {
			return
		}
	}
}

// dispatch executes one command line, returning true if the REPL should
// exit. Unknown commands print an error and continue.
func (r *repl) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	var err error
	switch cmd {
	case "connect":
		err = r.connect()
	case "disconnect":
		err = r.cp.Disconnect()
	case "status":
		r.printStatus()
	case "start":
		err = r.cmdStart(args)
	case "stop":
		err = r.cmdStop(args)
	case "meter":
		err = r.cmdMeter(args)
	case "send-meter":
		err = r.cmdSendMeter(args)
	case "heartbeat":
		err = r.cmdHeartbeat(args)
	case "authorize":
		err = r.cmdAuthorize(args)
	case "connector-status":
		err = r.cmdConnectorStatus(args)
	case "scenario":
		err = r.cmdScenario(args)
	case "help":
		r.printHelp()
	case "exit", "quit":
		return true
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		return false
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return false
}

func (r *repl) connect() error {
	if err := r.cp.Connect(); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "connected")
	return nil
}

func (r *repl) printStatus() {
	fmt.Fprintf(r.out, "chargePoint %s: %s\n", r.cfg.CpID, r.cp.Status())
	for _, id := range r.cp.ConnectorIDs() {
		c := r.cp.Connector(id)
		fmt.Fprintf(r.out, "  connector %d: %s meter=%dWh\n", id, c.Status(), c.MeterValue)
	}
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, "connect, disconnect, status, start <connector> <tagId>, stop <connector>, "+
		"meter <connector> <value>, send-meter <connector>, heartbeat[ start <seconds> | stop], "+
		"authorize <tagId>, connector-status <c> <status>, "+
		"scenario run <connector> [oneshot|step] | step <connector> | stop <connector>, help, exit")
}

// cmdScenario loads the persisted scenario targeting a connector and runs
// it against the charge point, in the definition's default mode unless one
// is given explicitly.
func (r *repl) cmdScenario(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: scenario run <connector> [oneshot|step] | step <connector> | stop <connector>")
	}
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[1])
	}

	switch args[0] {
	case "run":
		def, err := r.scenarioRepo.Load(r.cfg.CpID, id)
		if err != nil {
			return err
		}
		if def == nil {
			return fmt.Errorf("no enabled scenario found for connector %d", id)
		}
		mode := def.DefaultExecutionMode
		if len(args) > 2 {
			mode = scenario.ExecutionMode(args[2])
		}
		if mode != scenario.ModeOneshot && mode != scenario.ModeStep {
			return fmt.Errorf("invalid execution mode %q", mode)
		}
		ex := scenario.New(def, scenario.NewChargePointCallbacks(r.cp, id), r.clk, scenario.Hooks{
			OnStateChange: func(s scenario.Status) {
				if s.State == scenario.StateError && s.Err != nil {
					fmt.Fprintf(os.Stderr, "Error: scenario on connector %d: %v\n", id, s.Err)
				}
			},
		})
		if err := ex.Start(mode); err != nil {
			return err
		}
		r.executors[id] = ex
		fmt.Fprintf(r.out, "scenario %s running on connector %d (%s)\n", def.ID, id, mode)
		return nil

	case "step":
		ex, ok := r.executors[id]
		if !ok {
			return fmt.Errorf("no scenario running on connector %d", id)
		}
		return ex.Step()

	case "stop":
		ex, ok := r.executors[id]
		if !ok {
			return fmt.Errorf("no scenario running on connector %d", id)
		}
		ex.Stop()
		delete(r.executors, id)
		return nil

	default:
		return fmt.Errorf("usage: scenario run <connector> [oneshot|step] | step <connector> | stop <connector>")
	}
}

func (r *repl) cmdStart(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: start <connector> <tagId>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[0])
	}
	return r.cp.StartTransaction(id, args[1], nil, nil)
}

func (r *repl) cmdStop(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stop <connector>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[0])
	}
	return r.cp.StopTransaction(id)
}

func (r *repl) cmdMeter(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: meter <connector> <value>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[0])
	}
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid meter value %q", args[1])
	}
	return r.cp.SetMeterValue(id, value)
}

func (r *repl) cmdSendMeter(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: send-meter <connector>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[0])
	}
	return r.cp.SendMeterValue(id)
}

func (r *repl) cmdHeartbeat(args []string) error {
	if len(args) == 0 {
		return r.cp.SendHeartbeat()
	}
	switch args[0] {
	case "start":
		if len(args) != 2 {
			return fmt.Errorf("usage: heartbeat start <seconds>")
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid period %q", args[1])
		}
		return r.cp.StartHeartbeat(time.Duration(secs) * time.Second)
	case "stop":
		r.cp.StopHeartbeat()
		return nil
	default:
		return fmt.Errorf("usage: heartbeat[ start <seconds> | stop]")
	}
}

func (r *repl) cmdAuthorize(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: authorize <tagId>")
	}
	return r.cp.Authorize(args[0])
}

func (r *repl) cmdConnectorStatus(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: connector-status <c> <status>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid connector id %q", args[0])
	}
	return r.cp.UpdateConnectorStatus(id, fsm.Status(args[1]))
}
