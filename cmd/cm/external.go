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

package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"github.com/aosedge/aos_communicationmanager/internal/cloudprotocol"
	"github.com/aosedge/aos_communicationmanager/internal/networkmanager"
	"go.uber.org/zap"
)

// httpDownloader fetches image content over plain HTTP(S), trying each
// URL in order until one succeeds (§4.5 step 2: "any retry/backoff
// policy is its own contract"). No library in the pack targets plain
// content download over HTTP, so this stays on net/http.
type httpDownloader struct {
	client *http.Client
}

func newHTTPDownloader() *httpDownloader {
	return &httpDownloader{client: &http.Client{Timeout: 5 * time.Minute}}
}

func (d *httpDownloader) Download(ctx context.Context, urls []string, dest string) error {
	var lastErr error
	for _, url := range urls {
		if err := d.downloadOne(ctx, url, dest); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = aoserrors.New(aoserrors.KindInvalidArg, "no download urls supplied")
	}
	return aoserrors.Wrapf(aoserrors.KindFailed, lastErr, "download from %v", urls)
}

func (d *httpDownloader) downloadOne(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return aoserrors.Errorf(aoserrors.KindFailed, "unexpected status %s fetching %s", resp.Status, url)
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// passthroughCrypto is a stand-in for the unit's real decrypt/verify
// primitives (TPM/PKCS#11-backed in production, §4.5 steps 3-4, §1: an
// explicit external collaborator). It copies the source unchanged and
// accepts every signature, so a CM built from this module can exercise
// the full install pipeline without real key material; a real deployment
// replaces this with a TPM- or PKCS#11-backed CryptoHelper wired from the
// crypto config (internal/config.CryptoConfig).
type passthroughCrypto struct {
	log *zap.SugaredLogger
}

func (c passthroughCrypto) Decrypt(src, dst string, _ cloudprotocol.DecryptInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (c passthroughCrypto) VerifySignature(path string, _ cloudprotocol.SignInfo, _ []cloudprotocol.CertificateInfo) error {
	c.log.Debugw("signature verification skipped, no crypto backend wired", "path", path)
	return nil
}

// noopOrchestrator stands in for the node-local CNI agent
// (networkmanager.CNIOrchestrator, §4.6): applying veth+bridge wiring and
// restarting the node's DNS server happen on the node itself, out of
// this daemon's process boundary.
type noopOrchestrator struct {
	log *zap.SugaredLogger
}

func (o noopOrchestrator) ApplyNetwork(nodeID string, ident cloudprotocol.InstanceIdent, params networkmanager.NetworkParameters) error {
	o.log.Debugw("apply network (no node-local agent wired)", "nodeId", nodeID, "instance", ident)
	return nil
}

func (o noopOrchestrator) RestartDNSServer(nodeID string) error {
	o.log.Debugw("restart dns server (no node-local agent wired)", "nodeId", nodeID)
	return nil
}

func (o noopOrchestrator) UpdateFirewall(nodeID string, providers []string) error {
	o.log.Debugw("update firewall (no node-local agent wired)", "nodeId", nodeID, "providers", providers)
	return nil
}
