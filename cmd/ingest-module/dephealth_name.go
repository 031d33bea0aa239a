// dephealth_name.go — имя вершины графа для метрик topologymetrics.
package main

import (
	"os"
	"regexp"

	"github.com/bigkaa/goartstore/ingest-module/internal/config"
)

var (
	// Deployment: <name>-<pod-template-hash>-<suffix>
	deploymentPodRe = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// StatefulSet: <name>-<ordinal>
	statefulSetPodRe = regexp.MustCompile(`^(.+)-\d+$`)
)

// parseOwnerName восстанавливает имя Deployment или StatefulSet из
// hostname пода. Для остальных имён hostname возвращается без изменений.
func parseOwnerName(hostname string) string {
	if m := deploymentPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}

// resolveDephealthName: DEPHEALTH_NAME, затем владелец пода по hostname,
// затем IM_NODE_ID.
func resolveDephealthName(cfg *config.Config) string {
	if cfg.DephealthName != "" {
		return cfg.DephealthName
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return parseOwnerName(hostname)
	}
	return cfg.NodeID
}
