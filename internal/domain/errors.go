package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrStaleOracle            = errors.New("oracle sample is stale")
	ErrRoundNotBettable       = errors.New("round is not bettable")
	ErrBelowMinimum           = errors.New("bet amount below minimum")
	ErrDuplicateBet           = errors.New("bet already placed for this round")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrRoundNotSettled        = errors.New("round is not settled")
	ErrNothingToClaim         = errors.New("nothing to claim")
	ErrAlreadyClaimed         = errors.New("bet already claimed")
	ErrFeeTooHigh             = errors.New("treasury fee exceeds maximum")
	ErrInvalidSchedule        = errors.New("buffer must be positive and shorter than interval")
	ErrPaused                 = errors.New("market is paused")
	ErrNotPaused              = errors.New("market is not paused")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrGenesisNotReady        = errors.New("genesis rounds not bootstrapped")
	ErrGenesisDone            = errors.New("genesis already completed")
	ErrLockHeld               = errors.New("lock already held")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidDirection       = errors.New("invalid bet direction")
	ErrRoundSettled           = errors.New("round already settled")
)
