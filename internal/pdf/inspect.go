package pdf

import (
	"context"
	"mime/multipart"
)

// InspectResult はアップロードされたPDFの基本メタデータを表します。
type InspectResult struct {
	Source SourceFileMeta `json:"source"`
}

// Inspect は単一PDFを検証し、ページ数などを返します。ジョブは作りません。
func (s *Service) Inspect(ctx context.Context, file *multipart.FileHeader) (*InspectResult, error) {
	ws, stored, err := s.prepareSingle(ctx, file)
	if err != nil {
		return nil, err
	}
	defer s.removeWorkspace(ws)

	return &InspectResult{Source: stored.meta()}, nil
}
