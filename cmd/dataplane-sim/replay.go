// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"opensase.io/dataplane/internal/clock"
	"opensase.io/dataplane/internal/config"
	"opensase.io/dataplane/internal/controlplane"
	"opensase.io/dataplane/internal/logging"
	"opensase.io/dataplane/internal/metadata"
	"opensase.io/dataplane/internal/metrics"
	"opensase.io/dataplane/internal/policytbl"
	"opensase.io/dataplane/internal/qos"
	"opensase.io/dataplane/internal/scanner"
	"opensase.io/dataplane/internal/stats"
	"opensase.io/dataplane/internal/tenant"
	"opensase.io/dataplane/internal/tunnel"
	"opensase.io/dataplane/internal/worker"
)

func newReplayCmd() *cobra.Command {
	var (
		workerCount  int
		configPath   string
		controlAddr  string
		metricsAddr  string
		maxSessions  int
		qosIface     string
		qosTotalMbps uint32
	)

	cmd := &cobra.Command{
		Use:   "replay <pcap-file>",
		Short: "Replay a pcap file through the core pipeline, one worker per shard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(replayOptions{
				pcapFile:     args[0],
				workerCount:  workerCount,
				configPath:   configPath,
				controlAddr:  controlAddr,
				metricsAddr:  metricsAddr,
				maxSessions:  maxSessions,
				qosIface:     qosIface,
				qosTotalMbps: qosTotalMbps,
			})
		},
	}

	cmd.Flags().IntVar(&workerCount, "workers", 1, "number of shared-nothing workers to shard traffic across")
	cmd.Flags().StringVar(&configPath, "config", "", "HCL control-plane document to apply before replay (tenants/policies/NAT pools/tunnels/limits)")
	cmd.Flags().StringVar(&controlAddr, "control-listen", "", "if set, serve the control-plane HTTP API on this address for the duration of the replay")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "if set, serve /metrics on this address for the duration of the replay")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 65536, "per-worker session table capacity")
	cmd.Flags().StringVar(&qosIface, "qos-iface", "", "if set (with --config), install HTB/fq_codel qdiscs on this egress interface for the document's rate_limit blocks")
	cmd.Flags().Uint32Var(&qosTotalMbps, "qos-total-mbps", 1000, "root HTB class ceiling when --qos-iface is set")

	return cmd
}

type replayOptions struct {
	pcapFile     string
	workerCount  int
	configPath   string
	controlAddr  string
	metricsAddr  string
	maxSessions  int
	qosIface     string
	qosTotalMbps uint32
}

func runReplay(opt replayOptions) error {
	log := logging.WithComponent("dataplane-sim")

	shared := &worker.Shared{Tenants: tenant.NewClassifier(), Policies: policytbl.NewTable()}
	registry := stats.NewRegistry()

	tunnels := tunnel.NewMap()
	workers := make([]*worker.Worker, opt.workerCount)
	for i := range workers {
		w := worker.New(shared, worker.Config{
			ID:             i,
			MaxSessions:    opt.maxSessions,
			SessionTimeout: int64(5 * time.Minute),
			ClosingGrace:   int64(5 * time.Second),
			SweepBudget:    256,
			IPS:            scanner.NewFallbackIPS(),
			DLP:            scanner.NewFallbackDLP(),
			Tunnels:        tunnels,
			Clock:          clock.Real,
		})
		registry.Register(w.ID(), w.Stats())
		workers[i] = w
	}

	cp := controlplane.NewServer(shared.Tenants, shared.Policies, tunnels, registry, workers)

	if opt.configPath != "" {
		doc, err := config.Load(opt.configPath)
		if err != nil {
			return fmt.Errorf("load control-plane document: %w", err)
		}
		if err := cp.ApplyDocument(doc); err != nil {
			return fmt.Errorf("apply control-plane document: %w", err)
		}
		log.Info("applied control-plane document", "path", opt.configPath)

		if opt.qosIface != "" {
			limits, err := qos.LimitsFromDocument(doc)
			if err != nil {
				return fmt.Errorf("resolve qos limits: %w", err)
			}
			if err := qos.NewManager(nil).ApplyConfig(opt.qosIface, opt.qosTotalMbps, limits); err != nil {
				return fmt.Errorf("apply qos config: %w", err)
			}
			log.Info("installed qdiscs", "iface", opt.qosIface, "classes", len(limits))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opt.metricsAddr != "" {
		metrics.Register(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: opt.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Shutdown(ctx)
		log.Info("serving metrics", "addr", opt.metricsAddr)
	}

	if opt.controlAddr != "" {
		go func() {
			if err := cp.Start(opt.controlAddr); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("control-plane server stopped")
			}
		}()
		defer cp.Stop(ctx)
		log.Info("serving control plane", "addr", opt.controlAddr)
	}

	return replayPCAP(ctx, opt.pcapFile, workers)
}

func replayPCAP(ctx context.Context, path string, workers []*worker.Worker) error {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("open pcap: %w", err)
	}
	defer handle.Close()

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	var nextID uint64
	counts := make([]int, len(workers))

	start := time.Now()
	for pkt := range source.Packets() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Treat every 256 packets as one batch: the sweep at each batch
		// boundary also applies queued control-plane operations.
		if nextID%256 == 0 {
			for _, w := range workers {
				w.Sweep()
			}
		}

		buf := newSimBuffer(pkt.Data(), nextID)
		nextID++

		idx := shardFor(pkt, len(workers))
		result := workers[idx].Process(buf)
		counts[idx]++
		_ = result
	}

	elapsed := time.Since(start)
	fmt.Printf("replayed %s in %s\n", path, elapsed)
	for i, c := range counts {
		fmt.Printf("  worker %d: %d packets\n", i, c)
	}
	return nil
}

// shardFor picks the worker that owns this packet's flow, mirroring
// spec §5's per-core hash sharding; the sim runs single-threaded so this
// only decides which worker's private state a packet lands in, not
// which goroutine processes it.
func shardFor(pkt gopacket.Packet, workerCount int) int {
	if workerCount <= 1 {
		return 0
	}
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return 0
	}
	ip := ipLayer.(*layers.IPv4)

	var srcPort, dstPort uint16
	var proto uint8
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		proto = uint8(layers.IPProtocolTCP)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		proto = uint8(layers.IPProtocolUDP)
	default:
		proto = uint8(ip.Protocol)
	}

	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	h := worker.AffinityHash(src, dst, srcPort, dstPort, proto)
	return int(h % uint64(workerCount))
}

// simBuffer is a minimal metadata.Buffer backed by a plain byte slice,
// the sim's stand-in for the NIC-ring buffer pool spec.md names as an
// external collaborator.
type simBuffer struct {
	data []byte
	meta metadata.Metadata
	id   uint64
}

func newSimBuffer(data []byte, id uint64) *simBuffer {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &simBuffer{data: cp, id: id}
}

func (b *simBuffer) Data() []byte             { return b.data }
func (b *simBuffer) SetData(d []byte)         { b.data = d }
func (b *simBuffer) Meta() *metadata.Metadata { return &b.meta }
func (b *simBuffer) ID() uint64               { return b.id }
func (b *simBuffer) LengthInChain() int       { return len(b.data) }
