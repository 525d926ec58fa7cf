// Command kurodb_standalone_server serves a line protocol over the
// storage core: GET/PUT/DEL/SCAN against a single B+-tree index. GET,
// PUT and DEL take a row lock through the lock manager; SCAN takes none.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/kurodb/core/buffer"
	"github.com/sushant-115/kurodb/core/concurrency"
	"github.com/sushant-115/kurodb/core/index/btree"
	"github.com/sushant-115/kurodb/core/storage/disk"
	"github.com/sushant-115/kurodb/core/storage/page"
	"github.com/sushant-115/kurodb/core/transaction"
	internaltelemetry "github.com/sushant-115/kurodb/internal/telemetry"
	"github.com/sushant-115/kurodb/pkg/logger"
	"github.com/sushant-115/kurodb/pkg/telemetry"
)

const (
	defaultListenAddr        = "localhost:9090"
	defaultDBFilePath        = "data/kurodb.db"
	defaultPoolSize          = 64
	defaultMetricsPort       = 9100
	defaultIndexName         = "primary"
	cycleDetectionInterval   = 50 * time.Millisecond
	connectionReadBufferSize = 4096
)

// server bundles the wired core for connection handlers.
type server struct {
	bpm    *buffer.BufferPoolManager
	tree   *btree.BPlusTree[uint64]
	txns   *transaction.Manager
	locks  *concurrency.LockManager
	logger *zap.Logger
}

func main() {
	var (
		listenAddr     = flag.String("listen", defaultListenAddr, "address to serve the line protocol on")
		dbFilePath     = flag.String("db", defaultDBFilePath, "database file path")
		poolSize       = flag.Int("pool-size", defaultPoolSize, "number of buffer pool frames")
		logLevel       = flag.String("log-level", "info", "minimum log level")
		logFormat      = flag.String("log-format", "console", "log format: json or console")
		metricsEnabled = flag.Bool("metrics", false, "expose prometheus metrics")
		metricsPort    = flag.Int("metrics-port", defaultMetricsPort, "prometheus /metrics port")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsEnabled,
		ServiceName:    "kurodb",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	bufferMetrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register buffer pool metrics", zap.Error(err))
	}
	indexMetrics, err := internaltelemetry.NewIndexMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register index metrics", zap.Error(err))
	}
	lockMetrics, err := internaltelemetry.NewLockMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register lock metrics", zap.Error(err))
	}

	if dir := filepath.Dir(*dbFilePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn("could not create data directory", zap.Error(err))
		}
	}

	dm, err := disk.NewManager(*dbFilePath, log)
	if err != nil {
		log.Fatal("failed to open database file", zap.Error(err))
	}
	defer dm.Close()

	bpm := buffer.NewBufferPoolManager(*poolSize, dm, log, bufferMetrics)
	defer bpm.FlushAllPages()

	tree, err := btree.New[uint64](defaultIndexName, bpm, btree.Uint64Codec{}, btree.OrderUint64, btree.Config{}, log, indexMetrics)
	if err != nil {
		log.Fatal("failed to open index", zap.Error(err))
	}

	txns := transaction.NewManager()
	locks := concurrency.NewLockManager(txns, cycleDetectionInterval, log, lockMetrics)
	locks.StartCycleDetection()
	defer locks.StopCycleDetection()

	srv := &server{bpm: bpm, tree: tree, txns: txns, locks: locks, logger: log}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("addr", *listenAddr), zap.Error(err))
	}
	log.Info("kurodb standalone server listening", zap.String("addr", *listenAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				srv.handleConnection(conn)
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("kurodb standalone server stopped")
}

// handleConnection reads one command per line and executes it as a
// single-statement transaction.
func (s *server) handleConnection(conn net.Conn) {
	defer conn.Close()
	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, connectionReadBufferSize), connectionReadBufferSize)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply := s.execute(strings.Fields(strings.TrimSpace(scanner.Text())))
		writer.WriteString(reply)
		writer.WriteByte('\n')
		if err := writer.Flush(); err != nil {
			break
		}
	}
	s.logger.Debug("client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

// execute runs one command inside a fresh transaction, releasing every
// lock on the way out.
func (s *server) execute(fields []string) string {
	if len(fields) == 0 {
		return "ERROR empty command"
	}
	txn := s.txns.Begin()
	defer func() {
		s.locks.UnlockAll(txn)
		s.txns.Commit(txn)
	}()

	switch strings.ToUpper(fields[0]) {
	case "GET":
		if len(fields) != 2 {
			return "ERROR usage: GET <key>"
		}
		key, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "ERROR bad key"
		}
		rid, found, err := s.tree.GetValue(key)
		if err != nil {
			return "ERROR " + err.Error()
		}
		if !found {
			return "NOT_FOUND"
		}
		if ok, err := s.locks.LockShared(txn, rid); !ok {
			return lockFailure(err)
		}
		return fmt.Sprintf("OK %d %d", rid.PageID, rid.Slot)

	case "PUT":
		if len(fields) != 4 {
			return "ERROR usage: PUT <key> <page_id> <slot>"
		}
		key, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "ERROR bad key"
		}
		pid, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return "ERROR bad page id"
		}
		slot, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return "ERROR bad slot"
		}
		rid := page.RID{PageID: page.PageID(pid), Slot: uint32(slot)}
		if ok, err := s.locks.LockExclusive(txn, rid); !ok {
			return lockFailure(err)
		}
		inserted, err := s.tree.Insert(key, rid)
		if err != nil {
			return "ERROR " + err.Error()
		}
		if !inserted {
			return "DUPLICATE"
		}
		return "OK"

	case "DEL":
		if len(fields) != 2 {
			return "ERROR usage: DEL <key>"
		}
		key, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "ERROR bad key"
		}
		rid, found, err := s.tree.GetValue(key)
		if err != nil {
			return "ERROR " + err.Error()
		}
		if !found {
			return "NOT_FOUND"
		}
		if ok, err := s.locks.LockExclusive(txn, rid); !ok {
			return lockFailure(err)
		}
		if err := s.tree.Remove(key); err != nil {
			return "ERROR " + err.Error()
		}
		return "OK"

	case "SCAN":
		if len(fields) != 3 {
			return "ERROR usage: SCAN <low> <high>"
		}
		low, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "ERROR bad low key"
		}
		high, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return "ERROR bad high key"
		}
		it, err := s.tree.BeginAt(low)
		if err != nil {
			return "ERROR " + err.Error()
		}
		var sb strings.Builder
		count := 0
		for {
			end, err := it.IsEnd()
			if err != nil {
				return "ERROR " + err.Error()
			}
			if end {
				break
			}
			key, rid, err := it.Entry()
			if err != nil {
				return "ERROR " + err.Error()
			}
			if key > high {
				break
			}
			fmt.Fprintf(&sb, " %d=%d:%d", key, rid.PageID, rid.Slot)
			count++
			if err := it.Next(); err != nil {
				return "ERROR " + err.Error()
			}
		}
		return fmt.Sprintf("OK %d%s", count, sb.String())

	default:
		return "ERROR unknown command " + fields[0]
	}
}

func lockFailure(err error) string {
	var abort *concurrency.TransactionAbortError
	if errors.As(err, &abort) {
		return "ABORTED " + abort.Reason.String()
	}
	return "ABORTED"
}
