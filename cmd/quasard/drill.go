package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/limiter"
)

// drillCmd drives the configured limiter with synthetic jobs. No external
// API is called; each job sleeps for a simulated latency and reports random
// usage near the estimates, which exercises reservation, escalation, ratio
// adjustment, and the distributed backend under load.
func drillCmd() *cobra.Command {
	var (
		jobs        int
		concurrency int
		latency     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Drive the limiter with synthetic load",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			l, cleanup, err := buildLimiter(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := l.Start(context.Background()); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer l.Stop()

			jobTypes := make([]string, 0, len(cfg.ResourceEstimations))
			for name := range cfg.ResourceEstimations {
				jobTypes = append(jobTypes, name)
			}

			var completed, failed, exhausted atomic.Int64
			var costMu sync.Mutex
			var totalCost float64

			start := time.Now()
			sem := make(chan struct{}, concurrency)
			var wg sync.WaitGroup

			for i := 0; i < jobs; i++ {
				sem <- struct{}{}
				wg.Add(1)
				jobType := jobTypes[i%len(jobTypes)]
				est := cfg.ResourceEstimations[jobType]
				go func() {
					defer wg.Done()
					defer func() { <-sem }()

					out, err := l.QueueJob(context.Background(), limiter.JobRequest{
						JobType: jobType,
						Job: func(ctx context.Context, jc *limiter.JobContext) (*limiter.JobResult, error) {
							time.Sleep(latency/2 + time.Duration(rand.Int63n(int64(latency))))
							u := limiter.Usage{
								InputTokens:  est.EstimatedUsedTokens/2 + rand.Int63n(est.EstimatedUsedTokens),
								OutputTokens: rand.Int63n(est.EstimatedUsedTokens / 4),
							}
							jc.Resolve(u)
							return &limiter.JobResult{Usage: u, RequestCount: est.EstimatedNumberOfRequests}, nil
						},
					})
					switch {
					case err == nil:
						completed.Add(1)
						costMu.Lock()
						totalCost += out.TotalCost
						costMu.Unlock()
					case errors.Is(err, limiter.ErrModelsExhausted):
						exhausted.Add(1)
					default:
						failed.Add(1)
					}
				}()
			}
			wg.Wait()

			elapsed := time.Since(start)
			fmt.Printf("drill finished in %v\n", elapsed.Round(time.Millisecond))
			fmt.Printf("  completed: %d\n", completed.Load())
			fmt.Printf("  exhausted: %d\n", exhausted.Load())
			fmt.Printf("  failed:    %d\n", failed.Load())
			fmt.Printf("  cost:      $%.4f\n", totalCost)
			fmt.Printf("  rate:      %.1f jobs/s\n", float64(completed.Load())/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVar(&jobs, "jobs", 100, "Total synthetic jobs to submit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "Concurrent submitters")
	cmd.Flags().DurationVar(&latency, "latency", 200*time.Millisecond, "Simulated per-job latency")

	return cmd
}
