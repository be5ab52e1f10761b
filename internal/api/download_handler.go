package api

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/export-service/internal/export"
)

// HandleDownloadExport streams a completed artifact with support for a
// single byte range and on-the-fly gzip compression. When gzip is active on
// a ranged request, the ranged bytes of the uncompressed file are compressed;
// the result is a self-contained gzip stream over that slice.
//
//	GET /exports/{id}/download
func (h *Handlers) HandleDownloadExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}

	if job.Status != export.StatusCompleted {
		respondError(w, http.StatusTooEarly,
			fmt.Sprintf("Export is %s. Try again once it has completed.", job.Status))
		return
	}

	info, err := os.Stat(job.FilePath)
	if err != nil {
		respondError(w, http.StatusNotFound, "export artifact no longer exists")
		return
	}
	fileSize := info.Size()

	useGzip := strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")

	start, end, ranged, err := parseRange(r.Header.Get("Range"), fileSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))
		respondError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	file, err := os.Open(job.FilePath)
	if err != nil {
		respondError(w, http.StatusNotFound, "export artifact no longer exists")
		return
	}
	defer file.Close()

	filename := "export_" + id + ".csv"
	if useGzip {
		filename += ".gz"
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Accept-Ranges", "bytes")
	if useGzip {
		w.Header().Set("Content-Encoding", "gzip")
	}

	length := fileSize
	status := http.StatusOK
	if ranged {
		length = end - start + 1
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileSize))
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to read artifact")
			return
		}
	}
	if !useGzip {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(status)

	var dst io.Writer = w
	if useGzip {
		gz := gzip.NewWriter(w)
		defer gz.Close()
		dst = gz
	}
	if _, err := io.CopyN(dst, file, length); err != nil {
		// Client went away mid-stream; nothing to recover.
		log.Printf("[Download] Streaming artifact for job %s: %v", id, err)
	}
}

// parseRange interprets a Range header against the file size. It honors a
// single range of the form bytes=START-[END]. Multi-range requests are
// rejected; headers in any other shape are ignored and the full file is
// served.
func parseRange(header string, fileSize int64) (start, end int64, ranged bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false, nil
	}
	if strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("multiple ranges are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return 0, 0, false, nil
	}
	start, perr := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if perr != nil || start < 0 {
		return 0, 0, false, nil
	}

	end = fileSize - 1
	if s := strings.TrimSpace(endStr); s != "" {
		end, perr = strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return 0, 0, false, nil
		}
	}
	if end > fileSize-1 {
		end = fileSize - 1
	}

	if start >= fileSize || start > end {
		return 0, 0, false, fmt.Errorf("requested range not satisfiable")
	}
	return start, end, true, nil
}
