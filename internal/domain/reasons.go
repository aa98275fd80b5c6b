package domain

// Rejection reason codes recorded in stage traces. Every symbol eliminated
// from a run carries exactly one of these; nothing is dropped silently.
const (
	ReasonMissingPrice         = "missing_price"
	ReasonMissingVolume        = "missing_volume"
	ReasonETFOrFund            = "etf_or_fund"
	ReasonPriceTooLow          = "price_too_low"
	ReasonPriceTooHigh         = "price_too_high"
	ReasonVolumeTooLow         = "volume_too_low"
	ReasonChangeTooLow         = "change_too_low"
	ReasonAlreadyExplodedToday = "already_exploded_today"
	ReasonAlreadyRan5d         = "already_ran_5d"
	ReasonAlreadyRan20d        = "already_ran_20d"
	ReasonNoVolumeAverage      = "no_volume_average"
	ReasonRvolTooLow           = "rvol_too_low"
	ReasonRvolUnrealistic      = "rvol_unrealistic"
	ReasonStaleFeatures        = "stale_features"
	ReasonBelowRegimeThreshold = "below_regime_threshold"
	ReasonMomentumRankCut      = "momentum_rank_cut"
	ReasonBelowRankCut         = "below_rank_cut"
)

// Run-level failure reasons published in RunStats when a run ends with an
// explanatory empty result.
const (
	RunReasonUpstreamUnavailable = "upstream_unavailable"
	RunReasonCacheEmpty          = "cache_empty"
	RunReasonFailClosedStale     = "fail_closed_staleness"
	RunReasonTimeout             = "timeout"
	RunReasonCancelled           = "cancelled"
	RunReasonInternal            = "internal_error"
)
