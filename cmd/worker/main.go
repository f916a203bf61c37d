package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/debug-collab/internal/config"
	"github.com/suPer8Hu/debug-collab/internal/db"
	"github.com/suPer8Hu/debug-collab/internal/history"
	"github.com/suPer8Hu/debug-collab/internal/ledger"
	"github.com/suPer8Hu/debug-collab/internal/persist"
	"github.com/suPer8Hu/debug-collab/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	store := persist.NewStore(history.NewRepo(gdb), ledger.New(gdb))

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	retrier := rabbitmq.NewRetrier(ch, cfg.RabbitQueue, cfg.RabbitMaxAttempts, cfg.RabbitRetryBackoff)

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d max_attempts=%d", cfg.RabbitQueue, concurrency, cfg.RabbitMaxAttempts)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var job persist.Job
				if err := json.Unmarshal(d.Body, &job); err != nil || job.Kind == "" {
					log.Printf("worker=%d bad message id=%s: %v", workerID, d.MessageId, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, store, job); err != nil {
					log.Printf("worker=%d job %s kind=%s attempt=%d failed cost=%s err=%v",
						workerID, job.ID, job.Kind, rabbitmq.Attempts(d.Headers)+1, time.Since(start), err)
					retried, rerr := retrier.Retry(context.WithoutCancel(ctx), d)
					if rerr != nil {
						log.Printf("worker=%d retry publish failed job=%s err=%v", workerID, job.ID, rerr)
					}
					if !retried {
						// dead-lettered to <queue>.dlq
						_ = d.Nack(false, false)
						continue
					}
					if err := d.Ack(false); err != nil {
						log.Printf("worker=%d ack failed job=%s err=%v", workerID, job.ID, err)
					}
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, job.ID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, store *persist.Store, job persist.Job) error {
	// in-flight writes finish even when shutdown starts
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := store.Apply(jctx, job)
	total := time.Since(start)

	if err != nil {
		log.Printf("job_timing_failed job=%s kind=%s session_id=%s total=%s err=%v",
			job.ID, job.Kind, job.SessionID, total, err,
		)
		return err
	}
	if total > 2*time.Second {
		log.Printf("job_timing job=%s kind=%s session_id=%s total=%s", job.ID, job.Kind, job.SessionID, total)
	}
	return nil
}
