// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// StartStatsReporter emite um snapshot periódico de utilização do host e do
// tráfego do servidor. Os contadores de tráfego são zerados a cada ciclo,
// então os valores logados são deltas do intervalo.
func (s *Server) StartStatsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStats()
		}
	}
}

func (s *Server) reportStats() {
	in := s.TrafficIn.Swap(0)
	out := s.TrafficOut.Swap(0)

	attrs := []any{
		"active_conns", s.ActiveConns.Load(),
		"active_uploads", len(s.st.ActiveUploads()),
		"bytes_in", in,
		"bytes_out", out,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		attrs = append(attrs, "cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_percent", vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", avg.Load1)
	}
	if usage, err := disk.Usage(s.cfg.Data.Dir); err == nil {
		attrs = append(attrs, "disk_free_bytes", usage.Free)
	}

	s.logger.Info("server stats", attrs...)
}

// diskHasSpace verifica se o volume de dados tem pelo menos min_disk_free
// livre antes de aceitar um novo upload. Erros de consulta liberam o upload:
// preferimos aceitar dados a rejeitar por uma falha de introspecção.
func (s *Server) diskHasSpace() bool {
	if s.cfg.Transfer.MinFreeRaw <= 0 {
		return true
	}
	usage, err := disk.Usage(s.cfg.Data.Dir)
	if err != nil {
		s.logger.Warn("querying disk usage", "dir", s.cfg.Data.Dir, "error", err)
		return true
	}
	return usage.Free >= uint64(s.cfg.Transfer.MinFreeRaw)
}
