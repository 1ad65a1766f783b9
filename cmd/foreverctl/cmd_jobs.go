package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forevermessage/forever-message/internal/bootstrap"
	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/store/rabbitmq"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		e.log.Info().Msg("schema is up to date")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy new on-chain bottles into the database once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		client, err := bootstrap.ChainClient(ctx, e.cfg)
		if err != nil {
			return err
		}
		svc := bottle.NewService(bottle.NewRepo(e.db), e.cfg.ForeverThreshold)
		syncer, err := bootstrap.Syncer(e.cfg, e.log, svc, client)
		if err != nil {
			return err
		}
		if syncer == nil {
			return errors.New("BLOCKCHAIN_RPC_URL and CONTRACT_ADDRESS are required")
		}
		rep, err := syncer.SyncOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Resume or fail queue entries stuck in a non-terminal stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		repo := bottle.NewRepo(e.db)
		if dryRun {
			stale, err := repo.ListStale(ctx, nowFunc().Add(-e.cfg.StaleAfter), 100)
			if err != nil {
				return err
			}
			return printJSON(cmd, stale)
		}

		coord, err := bootstrap.NewCoordination(e.cfg, e.log)
		if err != nil {
			return err
		}
		defer coord.Close()
		dispatcher, closeFn, err := cliDispatcher(cmd, e, repo, coord)
		if err != nil {
			return err
		}
		defer closeFn()

		rep, err := pipeline.NewReaper(repo, dispatcher, coord.Bus, e.cfg.StaleAfter, e.log).Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <queue-id>",
	Short: "Run the pipeline for one queue entry in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		coord, err := bootstrap.NewCoordination(e.cfg, e.log)
		if err != nil {
			return err
		}
		defer coord.Close()
		client, err := bootstrap.ChainClient(ctx, e.cfg)
		if err != nil {
			return err
		}
		worker := bootstrap.Worker(ctx, e.cfg, e.log, bottle.NewRepo(e.db), client, coord)
		res, err := worker.Run(ctx, pipeline.Request{QueueID: args[0]})
		if err != nil {
			return fmt.Errorf("resume %s: %w", args[0], err)
		}
		return printJSON(cmd, res)
	},
}

// cliDispatcher publishes to RabbitMQ when configured so the worker fleet
// picks the entries up; otherwise it runs them here and waits.
func cliDispatcher(cmd *cobra.Command, e *env, repo *bottle.Repo, coord *bootstrap.Coordination) (pipeline.Dispatcher, func(), error) {
	if e.cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(e.cfg.RabbitURL, e.cfg.RabbitQueue)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() { _ = pub.Close() }, nil
	}
	client, err := bootstrap.ChainClient(cmd.Context(), e.cfg)
	if err != nil {
		return nil, nil, err
	}
	worker := bootstrap.Worker(cmd.Context(), e.cfg, e.log, repo, client, coord)
	inline := pipeline.NewInlineDispatcher(worker, e.cfg.PipelineTimeout, e.log)
	return inline, inline.Wait, nil
}

func init() {
	reapCmd.Flags().Bool("dry-run", false, "List stale entries without touching them")
}
