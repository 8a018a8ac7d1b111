package embedding

import (
	"context"
	"fmt"
	"sync"
)

type embedJob struct {
	Index int
	Text  string
}

type embedResult struct {
	Index  int
	Vector []float32
	Error  error
}

// EmbedConcurrent embeds texts on at most maxWorkers goroutines. The returned
// vectors are in input order. The first failure cancels the remaining jobs
// and is returned.
func EmbedConcurrent(ctx context.Context, e Embedder, texts []string, maxWorkers int, progressCallback func(completed, total int)) ([][]float32, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxWorkers > len(texts) {
		maxWorkers = len(texts)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan embedJob, len(texts))
	results := make(chan embedResult, len(texts))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go embedWorker(ctx, e, jobs, results, &wg)
	}

	// Send jobs
	for i, text := range texts {
		jobs <- embedJob{Index: i, Text: text}
	}
	close(jobs)

	// Close results channel when all workers are done
	go func() {
		wg.Wait()
		close(results)
	}()

	vectors := make([][]float32, len(texts))
	var firstErr error
	completed := 0
	total := len(texts)

	for result := range results {
		completed++
		if progressCallback != nil {
			progressCallback(completed, total)
		}

		if result.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("text %d: %w", result.Index, result.Error)
				cancel()
			}
			continue
		}
		vectors[result.Index] = result.Vector
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

func embedWorker(ctx context.Context, e Embedder, jobs <-chan embedJob, results chan<- embedResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobs {
		if err := ctx.Err(); err != nil {
			results <- embedResult{Index: job.Index, Error: err}
			continue
		}

		vec, err := e.Embed(ctx, job.Text)
		results <- embedResult{Index: job.Index, Vector: vec, Error: err}
	}
}
