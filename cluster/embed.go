// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const embedReadyTimeout = 60 * time.Second

// EmbedConfig holds embedded etcd configuration.
type EmbedConfig struct {
	NodeID         string
	DataDir        string
	BindAddr       string
	ClientAddr     string
	AdvertiseAddr  string
	InitialCluster string
	Bootstrap      bool
}

// Embedded is an etcd member running inside the process together with a
// client connected to it.
type Embedded struct {
	etcd   *embed.Etcd
	client *clientv3.Client
	logger *slog.Logger
}

// StartEmbedded starts an embedded etcd member and waits until it is ready.
func StartEmbedded(cfg EmbedConfig, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.NodeID
	eCfg.Dir = cfg.DataDir

	// Peer URLs (for Raft communication)
	peerURL, err := url.Parse("http://" + cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}

	if cfg.AdvertiseAddr != "" {
		advertiseURL, err := url.Parse("http://" + cfg.AdvertiseAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid advertise address: %w", err)
		}
		eCfg.AdvertisePeerUrls = []url.URL{*advertiseURL}
	} else {
		eCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = cfg.InitialCluster
	if eCfg.InitialCluster == "" {
		eCfg.InitialCluster = eCfg.InitialClusterFromName(cfg.NodeID)
	}
	if cfg.Bootstrap {
		eCfg.ClusterState = embed.ClusterStateFlagNew
	} else {
		eCfg.ClusterState = embed.ClusterStateFlagExisting
	}

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready", slog.String("node_id", cfg.NodeID), slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(embedReadyTimeout):
		e.Server.Stop()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.ClientAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Embedded{etcd: e, client: client, logger: logger}, nil
}

// Client returns the client connected to the embedded member.
func (e *Embedded) Client() *clientv3.Client {
	return e.client
}

// Close stops the client and the embedded member.
func (e *Embedded) Close() error {
	err := e.client.Close()
	e.etcd.Close()
	e.logger.Info("embedded etcd stopped")
	return err
}
