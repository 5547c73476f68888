// Package job defines the job record, its state machine, the worker
// registry, typed definitions, and the Backend Driver contract ([Store]).
//
// # Job Record
//
// A [Job] is the persisted description of one unit of background work. It
// carries a class name, an opaque serialized argument payload, tags for
// selective worker startup, and retry bookkeeping. States:
//
//	queued → running → completed
//	queued → running → queued (retry with backoff, or stale-lock recovery)
//	queued → running → failed (retry budget exhausted)
//	queued → cancelled
//
// The engine never interprets Args; only the worker that registered the
// class name deserializes it.
//
// # Defining a Worker
//
// Use [Definition] with a typed handler. Args are JSON-serialized at
// enqueue time and deserialized before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, args EmailArgs) error {
//	        return mailer.Send(args.To, args.Subject, args.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps class names to type-erased [HandlerFunc] values.
// Registering the same class name twice is a configuration error and
// fails, so conflicts surface at boot rather than at dispatch time:
//
//	if err := job.RegisterDefinition(registry, SendEmail); err != nil {
//	    log.Fatal(err)
//	}
//
// The queue package provides the higher-level queue.Register and
// Queue.Enqueue wrappers.
package job
