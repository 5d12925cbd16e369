// Package sessiontier manages the lifecycle of chat sessions across two
// storage tiers: a low-latency cache tier that holds active sessions and
// their message lists, and a durable document tier that holds expired
// sessions.
//
// A session is created in the cache tier, accumulates messages there while
// it is active, and is migrated to the durable tier when it expires. A
// restore migrates it back. Migrations are idempotent, so they can be run
// synchronously or through the at-least-once task Runner:
//
//	cache := sessiontier.NewRedisCacheStore(redisClient)
//	docs, _ := sessiontier.NewSQLDocumentStore(ctx, db, sessiontier.DialectSQLite)
//	repo := sessiontier.NewSessionRepository(cache, docs, logger)
//
//	runner := sessiontier.NewRunner(queue, sessiontier.RunnerConfig{Workers: 4}, logger)
//	sessiontier.RegisterMigrationTasks(runner, repo)
//	go runner.Run(ctx)
//
//	svc := sessiontier.NewSessionService(repo, runner, logger)
//	session, _ := svc.StartSession(ctx, "u1", "")
//	taskID, _ := svc.ExpireSessionAsync(ctx, "u1", session.SessionID)
package sessiontier
