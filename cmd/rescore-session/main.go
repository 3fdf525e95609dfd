package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/mmdatafocus/costledger_backend/models"
	"github.com/mmdatafocus/costledger_backend/utils"
	"github.com/mmdatafocus/costledger_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	programID := flag.String("program-id", "", "Required: program id")
	sessionID := flag.Int("session-id", 0, "Optional: import session id. Defaults to every completed session of the program.")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing sessions and continue rescoring others")
	flag.Parse()

	if strings.TrimSpace(*programID) == "" {
		fmt.Fprintln(os.Stderr, "--program-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := utils.SetProgramIdInContext(context.Background(), strings.TrimSpace(*programID))
	ctx = utils.SetUserNameInContext(ctx, "rescore-session")

	var ids []int
	if *sessionID > 0 {
		ids = append(ids, *sessionID)
	} else if err := db.WithContext(ctx).Model(&models.ImportSession{}).
		Where("program_id = ? AND status = ?", strings.TrimSpace(*programID), models.ImportSessionStatusCompleted).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		fmt.Fprintf(os.Stderr, "discover sessions: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, id := range ids {
		session, err := workflow.RescoreImportSession(ctx, id)
		if err != nil {
			failed++
			config.LogError(logger, "rescore-session", "main", fmt.Sprintf("session %d", id), nil, err)
			if *continueOnError {
				continue
			}
			os.Exit(1)
		}
		logger.WithFields(logrus.Fields{
			"program_id": session.ProgramId,
			"session_id": session.ID,
			"matched":    session.MatchedRecords,
			"unmatched":  session.UnmatchedRecords,
		}).Info("session rescored")
	}
	fmt.Printf("rescored %d session(s), %d failed\n", len(ids)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
