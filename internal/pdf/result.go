package pdf

// OperationType はPDF処理の種別を表します。ジョブの Kind としても使われます。
type OperationType string

const (
	OperationCompress OperationType = "compress"
	OperationSplit    OperationType = "split"
	OperationCombine  OperationType = "combine"
	OperationFlatten  OperationType = "flatten"
	OperationOptimize OperationType = "optimize"
	OperationExtract  OperationType = "extract"
)

// OptimizePreset は最適化プリセットの種類を表します。
type OptimizePreset string

const (
	OptimizePresetStandard   OptimizePreset = "standard"
	OptimizePresetAggressive OptimizePreset = "aggressive"
)

// ResultKind は生成される成果物の種別を表します。
type ResultKind string

const (
	ResultKindPDF ResultKind = "pdf"
	ResultKindZIP ResultKind = "zip"
)

func (k ResultKind) contentType() string {
	switch k {
	case ResultKindPDF:
		return "application/pdf"
	case ResultKindZIP:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

func (k ResultKind) extension() string {
	return "." + string(k)
}

// SourceFileMeta は入力ファイルの情報です。
type SourceFileMeta struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// SizeMeta は圧縮・最適化処理のメタデータです。
type SizeMeta struct {
	OriginalSize int64          `json:"originalSize"`
	OutputSize   int64          `json:"outputSize"`
	SavedBytes   int64          `json:"savedBytes"`
	SavedPercent float64        `json:"savedPercent"`
	Flattened    bool           `json:"flattened,omitempty"`
	Preset       OptimizePreset `json:"preset,omitempty"`
	Source       SourceFileMeta `json:"source"`
}

// CombineMeta は結合処理のメタデータです。
type CombineMeta struct {
	TotalPages int              `json:"totalPages"`
	Flattened  bool             `json:"flattened,omitempty"`
	Sources    []SourceFileMeta `json:"sources"`
}

// SplitMeta は分割処理のメタデータです。
type SplitMeta struct {
	Original SourceFileMeta `json:"original"`
	Mode     string         `json:"mode"`
	Parts    []SplitPart    `json:"parts"`
}

// PageRange はページ範囲を表します（Start/Endは1-based, End>=Start）。
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Pages は範囲に含まれるページ数です。
func (r PageRange) Pages() int {
	return r.End - r.Start + 1
}

// SplitPart は分割で生成された各PDFの情報です。
type SplitPart struct {
	Filename string `json:"filename"`
	FromPage int    `json:"fromPage"`
	ToPage   int    `json:"toPage"`
	Pages    int    `json:"pages"`
	Size     int64  `json:"size"`
}

// FlattenMeta は平坦化処理のメタデータです。
type FlattenMeta struct {
	DPI    int            `json:"dpi"`
	Source SourceFileMeta `json:"source"`
}

// ExtractMeta はページ抽出処理のメタデータです。
type ExtractMeta struct {
	Pages   []int          `json:"pages"`
	Skipped []int          `json:"skipped,omitempty"`
	Source  SourceFileMeta `json:"source"`
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}

func newSizeMeta(source storedFile, outputSize int64) *SizeMeta {
	return &SizeMeta{
		OriginalSize: source.size,
		OutputSize:   outputSize,
		SavedBytes:   source.size - outputSize,
		SavedPercent: computeSavedPercent(source.size, outputSize),
		Source:       source.meta(),
	}
}
