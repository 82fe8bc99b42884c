package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/database"
	"github.com/aristath/tradelib/internal/reliability"
	"github.com/aristath/tradelib/internal/version"
)

// SystemHandlers handles system monitoring and operations endpoints
type SystemHandlers struct {
	log         zerolog.Logger
	cfg         *config.Config
	databases   map[string]*database.DB
	backups     *reliability.BackupService
	startupTime time.Time
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(log zerolog.Logger, cfg *config.Config, databases map[string]*database.DB, backups *reliability.BackupService) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		cfg:         cfg,
		databases:   databases,
		backups:     backups,
		startupTime: time.Now(),
	}
}

// DBInfo describes a single database file
type DBInfo struct {
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	SizeMB float64 `json:"size_mb"`
}

// SystemInfoResponse is the response for GET /api/system/info
type SystemInfoResponse struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Backend       string   `json:"backend"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	CPUPercent    float64  `json:"cpu_percent"`
	RAMPercent    float64  `json:"ram_percent"`
	Databases     []DBInfo `json:"databases"`
	DataDirMB     float64  `json:"data_dir_mb"`
}

// HandleSystemInfo returns process and host statistics
// GET /api/system/info
func (h *SystemHandlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system info")

	cpuPercent, ramPercent := h.getSystemStats()

	names := make([]string, 0, len(h.databases))
	for name := range h.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	databases := make([]DBInfo, 0, len(names))
	for _, name := range names {
		db := h.databases[name]
		if db == nil {
			continue
		}
		info := DBInfo{Name: name, Path: db.Path()}
		if stat, err := os.Stat(db.Path()); err == nil {
			info.SizeMB = float64(stat.Size()) / 1024 / 1024
		}
		databases = append(databases, info)
	}

	response := SystemInfoResponse{
		Service:       "tradelib",
		Version:       version.Version,
		Backend:       h.cfg.Backend,
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		Databases:     databases,
		DataDirMB:     h.getDirSize(h.cfg.DataDir),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleCreateBackup runs a backup immediately
// POST /api/backup
func (h *SystemHandlers) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Manual backup requested")

	result, err := h.backups.CreateBackup(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// BackupListResponse is the response for GET /api/backups
type BackupListResponse struct {
	RemoteConfigured bool                     `json:"remote_configured"`
	Backups          []reliability.BackupInfo `json:"backups"`
}

// HandleListBackups lists archives in remote storage
// GET /api/backups
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	response := BackupListResponse{Backups: []reliability.BackupInfo{}}

	if h.cfg.Backup.Enabled() {
		response.RemoteConfigured = true
		backups, err := h.backups.ListRemoteBackups(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to list remote backups")
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		response.Backups = backups
	}

	h.writeJSON(w, http.StatusOK, response)
}

// getDirSize returns the total size of a directory tree in megabytes
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms sampling interval so the endpoint answers quickly.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *SystemHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
