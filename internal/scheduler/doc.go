// Package scheduler выполняет отложенные задания crmflow.
//
// Задания хранятся в таблице scheduled_jobs и бывают двух видов:
//   - resume:  продолжить run, приостановленный узлом delay или wait_until;
//   - trigger: запустить workflow по cron-выражению schedule_trigger узла.
//
// Структура:
//   - scheduler.go: Scheduler (Tick, Schedule, SyncWorkflowTriggers, Run)
//   - cron.go:      парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Jobs:     jobRepo,
//	    Triggers: workflowService,
//	    Resumer:  notifier,
//	    Leader:   repo.NewLeaderLock(pool, repo.SchedulerLockKey), // опционально
//	    Logger:   logger,
//	})
//
//	// Tick вызывается только лидером
//	err := sched.Run(ctx, 5*time.Second)
//
// Leader Election:
//
// При нескольких экземплярах лидер выбирается через pg_try_advisory_lock
// (repo.LeaderLock). Выборка заданий идёт с FOR UPDATE SKIP LOCKED,
// поэтому даже два одновременных тика не запустят задание дважды.
package scheduler
