package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/atelierworks/bridge_backend/config"
	"bitbucket.org/atelierworks/bridge_backend/designapi"
	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"bitbucket.org/atelierworks/bridge_backend/workflow"
	"gorm.io/gorm"
)

// Re-queues the latest FAILED design job for an order. Same path the retry
// endpoint takes, for when the service is down or the operator prefers a
// terminal.
func main() {
	orderID := flag.String("order-id", "", "Required: storefront order id")
	dryRun := flag.Bool("dry-run", true, "Show the job record only (no writes)")
	confirm := flag.String("confirm", "", "Type RETRY to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*orderID) == "" {
		fmt.Fprintln(os.Stderr, "--order-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "RETRY" {
		fmt.Fprintln(os.Stderr, "set --confirm=RETRY to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printJob(db, *orderID)
		return
	}

	config.ConnectRedisWithRetry()

	api, err := designapi.NewClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "design api client: %v\n", err)
		os.Exit(1)
	}

	logger := config.GetLogger()
	router := workflow.NewRelayRouter(db, logger)
	dispatcher := workflow.NewJobDispatcher(db, logger, config.GetRedisLock(), api, router)
	// Run the job inline; the tool exits with its terminal state.
	dispatcher.UsePubSub = false
	dispatcher.Synchronous = true

	ctx := utils.SetOrderIdInContext(context.Background(), *orderID)
	job, err := dispatcher.Resubmit(ctx, *orderID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resubmit failed: %v\n", err)
		os.Exit(1)
	}

	var done models.ProcessingJob
	if err := db.Where("id = ?", job.ID).First(&done).Error; err == nil {
		fmt.Printf("job %d finished with status=%s attempts=%d\n", done.ID, done.Status, done.AttemptCount)
	} else {
		fmt.Printf("job %d re-queued\n", job.ID)
	}
}

func printJob(db *gorm.DB, orderID string) {
	var job models.ProcessingJob
	if err := db.
		Where("order_id = ?", orderID).
		Order("id DESC").
		First(&job).Error; err != nil {
		fmt.Fprintf(os.Stderr, "not found: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("id=%d order_id=%s status=%s attempts=%d job_ref=%s last_error=%s\n",
		job.ID, job.OrderId, job.Status, job.AttemptCount,
		utils.DereferencePtr(job.JobRef), utils.DereferencePtr(job.LastError))
}
