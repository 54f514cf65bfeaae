package recovery

import "github.com/prn-tf/folio-storage/internal/domain"

// Strategy names.
const (
	StrategyFallbackKV          = "fallback_kv"
	StrategyDeleteCorrupted     = "delete_corrupted"
	StrategyDeleteFiles         = "delete_files"
	StrategyClearAll            = "clear_all"
	StrategyChooseDifferentFile = "choose_different_file"
	StrategyRetry               = "retry"
	StrategyStoreUncompressed   = "store_uncompressed"
	StrategyRefreshList         = "refresh_list"
)

// Strategy is one way to recover from a failure.
type Strategy struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Automatic strategies run without user involvement.
	Automatic bool `json:"automatic"`
}

var strategies = map[domain.ErrorKind][]Strategy{
	domain.KindDurableUnavailable: {
		{StrategyFallbackKV, "Switch to key-value storage with a smaller capacity", true},
	},
	domain.KindFileCorrupted: {
		{StrategyDeleteCorrupted, "Remove the corrupted file so it can be uploaded again", true},
	},
	domain.KindQuotaExceeded: {
		{StrategyDeleteFiles, "Delete files you no longer need", false},
		{StrategyClearAll, "Clear all stored files", false},
	},
	domain.KindInvalidFileType: {
		{StrategyChooseDifferentFile, "Choose a file of a supported type", false},
	},
	domain.KindFileTooLarge: {
		{StrategyChooseDifferentFile, "Choose a smaller file", false},
	},
	domain.KindStorageUnavailable: {
		{StrategyRetry, "Retry the operation", true},
	},
	domain.KindCompressionFailed: {
		{StrategyStoreUncompressed, "Store the image without compression", true},
	},
	domain.KindFileNotFound: {
		{StrategyRefreshList, "Refresh the file list", false},
	},
	domain.KindValidationFailed: {
		{StrategyChooseDifferentFile, "Check the file and try again", false},
	},
}

// StrategiesFor returns the recovery strategies for kind, automatic ones first.
func StrategiesFor(kind domain.ErrorKind) []Strategy {
	list := strategies[kind]
	out := make([]Strategy, 0, len(list))
	for _, s := range list {
		if s.Automatic {
			out = append(out, s)
		}
	}
	for _, s := range list {
		if !s.Automatic {
			out = append(out, s)
		}
	}
	return out
}

// ManualStrategies returns only the strategies that need user action.
func ManualStrategies(kind domain.ErrorKind) []Strategy {
	var out []Strategy
	for _, s := range strategies[kind] {
		if !s.Automatic {
			out = append(out, s)
		}
	}
	return out
}
