// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nishisan-dev/n-chat/internal/state"
)

// AppendFileMetadata acrescenta os metadados de um upload completo ao
// log append-only file_metadata.txt:
// fid|filename|sender|target_type|target_name|filesize|filepath|upload_time
func (s *Store) AppendFileMetadata(meta *state.FileMeta) error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	path := filepath.Join(s.dataDir, metadataFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", metadataFile, err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s|%s|%s|%s|%s|%d|%s|%d\n",
		meta.ID, meta.Filename, meta.Sender, meta.TargetType,
		meta.TargetName, meta.Filesize, meta.Path, meta.UploadTime)
	if err != nil {
		return fmt.Errorf("appending to %s: %w", metadataFile, err)
	}
	return nil
}

// loadFileMetadata carrega os arquivos completos. Entradas no log são
// sempre de uploads finalizados, então bytes_received = filesize.
func (s *Store) loadFileMetadata(st *state.State) error {
	return s.readLines(metadataFile, func(line string) {
		parts := strings.Split(line, "|")
		if len(parts) < 8 {
			return
		}
		filesize, err := strconv.ParseInt(parts[5], 10, 64)
		if err != nil {
			return
		}
		uploadTime, _ := strconv.ParseInt(parts[7], 10, 64)
		st.LoadCompletedFile(&state.FileMeta{
			ID:            parts[0],
			Filename:      parts[1],
			Sender:        parts[2],
			TargetType:    parts[3],
			TargetName:    parts[4],
			Filesize:      filesize,
			BytesReceived: filesize,
			Path:          parts[6],
			Complete:      true,
			UploadTime:    uploadTime,
		})
	})
}
