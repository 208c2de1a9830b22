// Package transaction runs multi-statement units of work atomically on the
// till's single connection.
//
// A Coordinator submits the whole attempt loop for one call as a single
// store queue entry:
//
//	BEGIN TRANSACTION -> fn(attemptCtx, tx) -> COMMIT
//	                          |
//	              error / deadline / panic
//	                          v
//	                      ROLLBACK -> wait BackoffStep × attempt -> retry
//
// After RetryCount failed attempts the last error is returned inside a
// *RetryExhaustedError. A deadline that wins the race is a *TimeoutError.
//
// When an attempt ends its context is cancelled and the tx handle is
// fenced: statements issued through it afterwards fail with
// ErrAttemptAbandoned instead of landing in some later transaction.
//
// Usage:
//
//	coord := transaction.New(manager, transaction.WithLogger(logger.Logger))
//	err := coord.WithTransaction(ctx, func(ctx context.Context, tx database.Execer) error {
//	    issued, err := orderNumbers.GenerateTx(ctx, tx, ordernumber.TypeSale)
//	    if err != nil {
//	        return err
//	    }
//	    _, err = database.Insert(ctx, tx, "orders", database.Fields{"order_no": issued.Number, ...})
//	    return err
//	})
package transaction
