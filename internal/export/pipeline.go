package export

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Archiver uploads a completed artifact to long-term storage. Archival is
// best-effort and runs after the job is already completed; failures are
// logged, never surfaced to the job.
type Archiver interface {
	Archive(ctx context.Context, jobID, filePath string) error
}

// Pipeline produces one artifact per job: row source -> record formatting ->
// CSV encoder -> file writer, with a bounded handoff between the database
// reader and the file writer so memory stays flat on arbitrarily large
// result sets.
type Pipeline struct {
	db          *sql.DB
	registry    *Registry
	storagePath string
	batchSize   int
	archiver    Archiver
}

// NewPipeline creates a pipeline factory bound to a database pool, the job
// registry, and the artifact directory.
func NewPipeline(db *sql.DB, registry *Registry, storagePath string, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{
		db:          db,
		registry:    registry,
		storagePath: storagePath,
		batchSize:   batchSize,
	}
}

// SetArchiver attaches an optional artifact archiver.
func (p *Pipeline) SetArchiver(a Archiver) {
	p.archiver = a
}

// ArtifactPath returns the artifact location for a job id.
func (p *Pipeline) ArtifactPath(id string) string {
	return filepath.Join(p.storagePath, id+".csv")
}

// Run executes the export for one job. It is launched as its own goroutine
// per job; concurrent runs share only the connection pool and the registry.
func (p *Pipeline) Run(ctx context.Context, id string) {
	job, err := p.registry.Get(id)
	if err != nil {
		log.Printf("[Pipeline] Job %s vanished before start: %v", id, err)
		return
	}

	if err := p.registry.StartJob(id); err != nil {
		// Cancelled between creation and scheduling; nothing to clean up.
		log.Printf("[Pipeline] Job %s not started: %v", id, err)
		return
	}

	if err := os.MkdirAll(p.storagePath, 0755); err != nil {
		p.fail(id, fmt.Errorf("creating artifact directory: %w", err))
		return
	}

	total, err := CountRows(ctx, p.db, job.Filters)
	if err != nil {
		p.fail(id, err)
		return
	}
	p.registry.UpdateProgress(id, 0, total)

	filePath, err := filepath.Abs(p.ArtifactPath(id))
	if err != nil {
		filePath = p.ArtifactPath(id)
	}

	if total == 0 {
		if err := p.writeHeaderOnly(job, filePath); err != nil {
			p.fail(id, err)
			return
		}
		p.complete(id, filePath)
		return
	}

	src, err := OpenRowSource(ctx, p.db, job.Filters, job.Columns, p.batchSize, cursorNameForJob(id))
	if err != nil {
		p.fail(id, err)
		return
	}
	defer src.Close()

	file, err := os.Create(filePath)
	if err != nil {
		p.fail(id, err)
		return
	}

	bw := bufio.NewWriter(file)
	enc, err := NewEncoder(bw, job.Columns, job.Delimiter, job.QuoteChar)
	if err != nil {
		file.Close()
		os.Remove(filePath)
		p.fail(id, err)
		return
	}
	if err := enc.WriteHeader(); err != nil {
		file.Close()
		os.Remove(filePath)
		p.fail(id, err)
		return
	}

	// Bounded handoff: the fetch loop submits one record at a time and
	// blocks when the writer falls behind, so at most one batch plus the
	// record being encoded is ever in flight.
	records := make(chan Record, p.batchSize)
	writeDone := make(chan error, 1)
	go func() {
		for rec := range records {
			if err := enc.WriteRecord(rec); err != nil {
				writeDone <- err
				// Drain so the producer never blocks on a dead writer.
				for range records {
				}
				return
			}
		}
		writeDone <- bw.Flush()
	}()

	var processed int64
	for {
		if p.registry.IsCancelled(id) {
			p.abandon(records, writeDone, file, filePath)
			log.Printf("[Pipeline] Job %s cancelled after %d rows", id, processed)
			return
		}

		batch, err := src.Next(ctx)
		if err != nil {
			p.abandon(records, writeDone, file, filePath)
			p.fail(id, err)
			return
		}
		if len(batch) == 0 {
			break
		}

		if p.registry.IsCancelled(id) {
			p.abandon(records, writeDone, file, filePath)
			log.Printf("[Pipeline] Job %s cancelled after %d rows", id, processed)
			return
		}

		for _, rec := range batch {
			records <- rec
		}
		processed += int64(len(batch))
		p.registry.UpdateProgress(id, processed, total)

		// Surface writer errors at batch boundaries.
		select {
		case werr := <-writeDone:
			close(records) // lets the writer's drain loop finish
			file.Close()
			os.Remove(filePath)
			p.fail(id, werr)
			return
		default:
		}
	}

	close(records)
	if err := <-writeDone; err != nil {
		file.Close()
		os.Remove(filePath)
		p.fail(id, err)
		return
	}
	if err := file.Close(); err != nil {
		os.Remove(filePath)
		p.fail(id, err)
		return
	}

	src.Close()
	p.complete(id, filePath)
}

// writeHeaderOnly produces the artifact for an empty result set.
func (p *Pipeline) writeHeaderOnly(job *Job, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	enc, err := NewEncoder(file, job.Columns, job.Delimiter, job.QuoteChar)
	if err != nil {
		file.Close()
		os.Remove(filePath)
		return err
	}
	if err := enc.WriteHeader(); err != nil {
		file.Close()
		os.Remove(filePath)
		return err
	}
	return file.Close()
}

// abandon tears down the writer side and deletes the partial artifact.
// Best-effort: cleanup errors are logged, not fatal.
func (p *Pipeline) abandon(records chan Record, writeDone chan error, file *os.File, filePath string) {
	close(records)
	<-writeDone
	if err := file.Close(); err != nil {
		log.Printf("[Pipeline] Closing partial artifact %s: %v", filePath, err)
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		log.Printf("[Pipeline] Removing partial artifact %s: %v", filePath, err)
	}
}

func (p *Pipeline) fail(id string, err error) {
	log.Printf("[Pipeline] Job %s failed: %v", id, err)
	p.registry.FailJob(id, err.Error())
}

func (p *Pipeline) complete(id, filePath string) {
	if err := p.registry.CompleteJob(id, filePath); err != nil {
		// Lost the race with a cancel; the artifact is no longer wanted.
		log.Printf("[Pipeline] Job %s finished but could not complete: %v", id, err)
		os.Remove(filePath)
		return
	}
	log.Printf("[Pipeline] Job %s completed: %s", id, filePath)

	if p.archiver != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := p.archiver.Archive(actx, id, filePath); err != nil {
				log.Printf("[Pipeline] Archiving artifact for job %s: %v", id, err)
			}
		}()
	}
}

// CleanupArtifact removes the artifact for a job after a grace period,
// letting a running pipeline release the file first. Used by the cancel
// endpoint; removal of a file that is already gone is not an error.
func (p *Pipeline) CleanupArtifact(id string, after time.Duration) {
	path := p.ArtifactPath(id)
	time.AfterFunc(after, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[Pipeline] Deferred cleanup of %s: %v", path, err)
		}
	})
}
