// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cm runs the Communication Manager daemon (spec §1): the
// unit's single point of contact with the cloud, fanning the cloud's
// desired state out to every node's SM over the SM Controller, and
// aggregating node/instance/monitoring/alert status back up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/alerts"
	"github.com/aosedge/aos_communicationmanager/internal/allocator"
	"github.com/aosedge/aos_communicationmanager/internal/cloudclient"
	"github.com/aosedge/aos_communicationmanager/internal/config"
	"github.com/aosedge/aos_communicationmanager/internal/iamclient"
	"github.com/aosedge/aos_communicationmanager/internal/imagemanager"
	"github.com/aosedge/aos_communicationmanager/internal/launcher"
	"github.com/aosedge/aos_communicationmanager/internal/logging"
	"github.com/aosedge/aos_communicationmanager/internal/metrics"
	"github.com/aosedge/aos_communicationmanager/internal/monitoring"
	"github.com/aosedge/aos_communicationmanager/internal/networkmanager"
	"github.com/aosedge/aos_communicationmanager/internal/nodeinfo"
	"github.com/aosedge/aos_communicationmanager/internal/nodemanager"
	"github.com/aosedge/aos_communicationmanager/internal/smcontroller"
	"github.com/aosedge/aos_communicationmanager/internal/storage"
	"github.com/aosedge/aos_communicationmanager/internal/unitconfig"
	"github.com/aosedge/aos_communicationmanager/internal/updatemanager"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes, per spec §7: 0 normal shutdown, 1 unrecoverable init
// error, 2 bad configuration.
const (
	exitOK        = 0
	exitInitError = 1
	exitBadConfig = 2
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		devLog     bool
		selfNode   string
	)

	cmd := &cobra.Command{
		Use:           "cm",
		Short:         "Run the Communication Manager daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mainE(configPath, devLog, selfNode)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/aos/cm.yaml", "path to the cm configuration file")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "emit human-readable console logs instead of JSON")
	cmd.Flags().StringVar(&selfNode, "self-node", "", "node id this cm instance itself runs on, if any")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if ce, ok := err.(*configError); ok {
			fmt.Fprintf(os.Stderr, "%v\n", ce.err)
			os.Exit(exitBadConfig)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitInitError)
	}
	os.Exit(exitOK)
}

// configError marks a failure as the "bad configuration" exit path
// (§7), distinct from every other init failure.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

func mainE(configPath string, devLog bool, selfNode string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err: fmt.Errorf("load config: %w", err)}
	}

	zlog, err := logging.New(logging.Level(cfg.LogLevel), devLog)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync() //nolint:errcheck
	log := logging.Component(zlog, "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, selfNode, zlog); err != nil {
		return fmt.Errorf("fatal startup error: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func run(ctx context.Context, cfg *config.Config, selfNode string, zlog *zap.Logger) error {
	log := logging.Component(zlog, "main")

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return err
	}

	store, err := storage.Open(filepath.Join(cfg.WorkDir, "cm.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	table := allocator.NewPartitionTable()
	allocators := make(map[string]*allocator.Allocator, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		if err := os.MkdirAll(p.Path, 0o700); err != nil {
			return err
		}
		totalSize, err := partitionTotalSize(p.Path)
		if err != nil {
			return err
		}
		allocators[p.Name] = allocator.New(table, p.Name, p.Path, totalSize, uint8(p.LimitPercent), p.QuotaFraction, nil)
	}

	nodes, err := nodemanager.New(store, logging.Component(zlog, "nodemanager"))
	if err != nil {
		return err
	}

	provider := nodeinfo.New(cfg.NodesConnectionTimeout)
	provider.Subscribe(nodeInfoPersister{nodes: nodes, log: logging.Component(zlog, "nodeinfo")})

	unitConfigPath := filepath.Join(cfg.WorkDir, "unit_config.json")

	smURLs := cfg.SMServerURLs
	if smURLs == nil {
		smURLs = map[string]string{}
	}

	var smCtrl *smcontroller.Controller
	uc := unitconfig.New(unitConfigPath, selfNode, nodes, smControllerRef{&smCtrl}, logging.Component(zlog, "unitconfig"))

	networkOrch := noopOrchestrator{log: logging.Component(zlog, "networkmanager")}
	netMgr, err := networkmanager.New(store, networkOrch, cfg.Network.SubnetCIDR, cfg.Network.DNSServers)
	if err != nil {
		return err
	}
	_ = netMgr // constructed and available for future per-instance allocation wiring

	sm := smcontroller.New(smDialer{urls: smURLs}, smcontroller.Observers{}, cfg.NodesConnectionTimeout, logging.Component(zlog, "smcontroller"))
	smCtrl = sm

	launcherComp, err := launcher.New(store, nodeCandidateSource{nodes: nodes}, sm, logging.Component(zlog, "launcher"))
	if err != nil {
		return err
	}

	compressedAlloc := allocators["compressed"]
	unpackedAlloc := allocators["unpacked"]
	images, err := imagemanager.New(imagemanager.Config{
		RootDir:             filepath.Join(cfg.StorageDir, "images"),
		Store:               store,
		CompressedAllocator: compressedAlloc,
		UnpackedAllocator:   unpackedAlloc,
		Downloader:          newHTTPDownloader(),
		Crypto:              passthroughCrypto{log: logging.Component(zlog, "imagemanager")},
	}, logging.Component(zlog, "imagemanager"))
	if err != nil {
		return err
	}
	if compressedAlloc != nil {
		compressedAlloc.SetRemover(images)
	}
	if unpackedAlloc != nil {
		unpackedAlloc.SetRemover(images)
	}

	cloud := cloudclient.New(cloudDialer{url: cfg.CloudURL}, nil, logging.Component(zlog, "cloudclient"))

	um, err := updatemanager.New(store, unitConfigAdapter{uc: uc}, images, launcherComp, cloud, true, logging.Component(zlog, "updatemanager"))
	if err != nil {
		return err
	}
	cloud.SetSink(desiredStatusAdapter{um: um})
	cloud.AddListener(um)

	relay := componentStatusRelay{um: um}
	nodes.Subscribe(relay)
	launcherComp.Subscribe(relay)
	images.Subscribe(relay)

	mon := monitoring.New(cloud, logging.Component(zlog, "monitoring"))
	al := alerts.New(cloud, logging.Component(zlog, "alerts"))
	cloud.AddListener(al)

	sm.SetObservers(smcontroller.Observers{
		NodeInfo:         smNodeInfoAdapter{provider: provider},
		InstanceStatus:   relay,
		Monitoring:       mon,
		Alerts:           al,
		NodeConfigStatus: uc,
		Log:              smLogRelay{cloud: cloud, log: logging.Component(zlog, "smcontroller")},
	})

	iamURL := cfg.IAMServerURL
	iam := iamclient.New(iamDialer{url: iamURL}, provider, logging.Component(zlog, "iamclient"))

	metricsReg := metrics.New()

	go iam.Run(ctx)
	go cloud.Run(ctx)
	go um.Run(ctx)
	go mon.Run(ctx, cfg.SendPeriod, cloud.IsConnected)
	go runAlertLoop(ctx, al, cfg.SendPeriod)
	go runStaleSweeper(ctx, provider, cfg.NodesConnectionTimeout/2)
	go runMetricsSampler(ctx, metricsReg, cfg.SendPeriod, allocators, nodes, al, mon)
	go serveMetrics(ctx, cfg.MetricsAddr, metricsReg, logging.Component(zlog, "metrics"))

	log.Info("cm started")
	<-ctx.Done()
	log.Info("draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	al.SendAlerts(drainCtx)
	mon.Flush(drainCtx, cloud.IsConnected())

	return nil
}

func runAlertLoop(ctx context.Context, al *alerts.Aggregator, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			al.SendAlerts(ctx)
		}
	}
}

func runStaleSweeper(ctx context.Context, provider *nodeinfo.Provider, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			provider.SweepStale()
		}
	}
}
