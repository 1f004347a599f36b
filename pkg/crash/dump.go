/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: dump.go
Description: Default crash-dump writer for the Akaylee Client. Serializes the
captured crash context to the server-assigned artifact path. The platform
minidump facility is swapped in behind the same DumpWriter interface on hosts
that provide one; this writer is the portable fallback.
*/

package crash

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// FileDumpWriter writes the crash context as a JSON artifact
type FileDumpWriter struct{}

// NewFileDumpWriter creates the portable dump writer
func NewFileDumpWriter() *FileDumpWriter {
	return &FileDumpWriter{}
}

// WriteDump serializes ctx to path, creating or truncating the file
func (w *FileDumpWriter) WriteDump(path string, ctx *interfaces.CrashContext) error {
	if ctx == nil {
		return fmt.Errorf("no crash context to dump")
	}

	body := struct {
		ThreadID  uint64            `json:"thread_id"`
		Exception string            `json:"exception"`
		Code      uint32            `json:"code"`
		Address   string            `json:"address"`
		Registers map[string]uint64 `json:"registers"`
	}{
		ThreadID:  ctx.ThreadID,
		Exception: ExceptionName(ctx.Record.Code),
		Code:      ctx.Record.Code,
		Address:   fmt.Sprintf("0x%x", ctx.Record.Address),
		Registers: ctx.Registers,
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode crash dump: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write crash dump %q: %w", path, err)
	}
	return nil
}
