package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
)

// CommitNotice announces that a device adopted a new head for a page.
// Peers use it as a hint to poll the cloud sooner; the commit content
// itself always travels through the cloud provider.
type CommitNotice struct {
	DeviceID   string         `json:"device_id"`
	PageID     string         `json:"page_id"`
	HeadID     model.CommitID `json:"head_id"`
	Generation uint64         `json:"generation"`
	Timestamp  int64          `json:"timestamp"`
}

// NoticeHandler receives commit notices from other devices.
type NoticeHandler func(CommitNotice)

// MeshConfig holds device mesh configuration.
type MeshConfig struct {
	Enabled        bool
	BindPort       int
	SeedDevices    []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

type deviceMeta struct {
	DeviceID  string `json:"device_id"`
	AppID     string `json:"app_id"`
	Timestamp int64  `json:"timestamp"`
}

// DeviceMesh maintains membership among the devices syncing one ledger
// and broadcasts commit notices between them.
type DeviceMesh struct {
	config     *MeshConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	deviceID   string
	appID      string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	handler NoticeHandler
}

// NewDeviceMesh creates the mesh and joins the configured seed devices.
func NewDeviceMesh(cfg *MeshConfig, deviceID, appID string, m *metrics.Metrics, logger *zap.Logger) (*DeviceMesh, error) {
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	dm := &DeviceMesh{
		config:   cfg,
		deviceID: deviceID,
		appID:    appID,
		metrics:  m,
		logger:   logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = deviceID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = dm
	mlConfig.Events = &meshEventDelegate{mesh: dm}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	dm.memberlist = ml
	dm.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: mlConfig.RetransmitMult,
	}
	m.MeshMembersTotal.Set(float64(ml.NumMembers()))

	if len(cfg.SeedDevices) > 0 {
		if _, err := ml.Join(cfg.SeedDevices); err != nil {
			logger.Warn("Failed to join some seed devices", zap.Error(err))
		}
	}

	return dm, nil
}

// SetNoticeHandler registers the handler invoked for every notice
// received from a peer. Notices from this device are filtered out.
func (dm *DeviceMesh) SetNoticeHandler(h NoticeHandler) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.handler = h
}

// Announce broadcasts a new head commit to the mesh.
func (dm *DeviceMesh) Announce(pageID string, head model.Commit) {
	notice := CommitNotice{
		DeviceID:   dm.deviceID,
		PageID:     pageID,
		HeadID:     head.ID,
		Generation: head.Generation,
		Timestamp:  head.Timestamp,
	}
	data, err := json.Marshal(notice)
	if err != nil {
		dm.logger.Warn("Failed to marshal commit notice", zap.Error(err))
		return
	}
	dm.broadcasts.QueueBroadcast(&noticeBroadcast{data: data})
	dm.metrics.MeshNoticesTotal.WithLabelValues("sent").Inc()
}

// Members returns the number of devices currently in the mesh,
// including this one.
func (dm *DeviceMesh) Members() int {
	return dm.memberlist.NumMembers()
}

// Shutdown leaves the mesh and stops the transport.
func (dm *DeviceMesh) Shutdown() error {
	if err := dm.memberlist.Leave(time.Second); err != nil {
		dm.logger.Warn("Failed to leave mesh cleanly", zap.Error(err))
	}
	return dm.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (dm *DeviceMesh) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(deviceMeta{
		DeviceID:  dm.deviceID,
		AppID:     dm.appID,
		Timestamp: time.Now().Unix(),
	})
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (dm *DeviceMesh) NotifyMsg(data []byte) {
	var notice CommitNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		dm.logger.Warn("Failed to unmarshal commit notice", zap.Error(err))
		return
	}
	if notice.DeviceID == dm.deviceID {
		return
	}
	dm.metrics.MeshNoticesTotal.WithLabelValues("received").Inc()
	dm.logger.Debug("Received commit notice",
		zap.String("device_id", notice.DeviceID),
		zap.String("page_id", notice.PageID),
		zap.String("head_id", string(notice.HeadID)))

	dm.mu.Lock()
	handler := dm.handler
	dm.mu.Unlock()
	if handler != nil {
		handler(notice)
	}
}

// GetBroadcasts implements memberlist.Delegate
func (dm *DeviceMesh) GetBroadcasts(overhead, limit int) [][]byte {
	return dm.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (dm *DeviceMesh) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (dm *DeviceMesh) MergeRemoteState(buf []byte, join bool) {
}

type noticeBroadcast struct {
	data []byte
}

func (b *noticeBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *noticeBroadcast) Message() []byte                             { return b.data }
func (b *noticeBroadcast) Finished()                                   {}

// meshEventDelegate tracks membership changes.
type meshEventDelegate struct {
	mesh *DeviceMesh
}

// NotifyJoin is called when a device joins. The local node joins while
// memberlist.Create is still running, before the mesh holds the list.
func (d *meshEventDelegate) NotifyJoin(node *memberlist.Node) {
	if d.mesh.memberlist != nil {
		d.mesh.metrics.MeshMembersTotal.Set(float64(d.mesh.memberlist.NumMembers()))
	}
	d.mesh.logger.Info("Device joined mesh",
		zap.String("device_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a device leaves
func (d *meshEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.mesh.metrics.MeshMembersTotal.Set(float64(d.mesh.memberlist.NumMembers()))
	d.mesh.logger.Info("Device left mesh",
		zap.String("device_id", node.Name))
}

// NotifyUpdate is called when a device is updated
func (d *meshEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.mesh.logger.Debug("Device updated",
		zap.String("device_id", node.Name))
}
