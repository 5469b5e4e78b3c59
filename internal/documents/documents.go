// Package documents stores patient files in object storage and lists them
// grouped by the record they are attached to.
package documents

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
)

// Record types files can be attached to
const (
	DocPatient     = "Patient"
	DocAppointment = "Patient Appointment"
	DocEncounter   = "Patient Encounter"
	DocProcedure   = "Clinical Procedure"
	DocConsentForm = "Patient Consent Form"
)

// File is an uploaded document
type File struct {
	ID          string    `json:"name"`
	Patient     string    `json:"patient"`
	DocType     string    `json:"attached_to_doctype"`
	DocName     string    `json:"attached_to_name"`
	FileName    string    `json:"file_name"`
	ObjectKey   string    `json:"-"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"file_size"`
	ContentHash string    `json:"content_hash,omitempty"`
	IsPrivate   bool      `json:"is_private"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"creation"`
	URL         string    `json:"file_url"`
}

// Record is a patient record files can be attached to
type Record struct {
	DocType string `json:"doctype"`
	Name    string `json:"docname"`
	Title   string `json:"title"`
}

// Group is the files of one record
type Group struct {
	DocType    string    `json:"doctype"`
	DocLabel   string    `json:"doctype_label"`
	DocName    string    `json:"docname"`
	Title      string    `json:"title"`
	Route      string    `json:"route"`
	Files      []File    `json:"files"`
	FilesCount int       `json:"files_count"`
	LatestFile time.Time `json:"latest_file"`
}

// Listing is the documents view of a patient
type Listing struct {
	Documents  []Group `json:"documents"`
	TotalFiles int     `json:"total_files"`
}

// BlobStore keeps file bodies
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	PresignedURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// FileStore keeps file metadata
type FileStore interface {
	Insert(ctx context.Context, f *File) error
	Get(ctx context.Context, id string) (*File, error)
	ForPatient(ctx context.Context, patientID string) ([]File, error)
	Delete(ctx context.Context, id string) error
}

// RecordSource lists the records linked to a patient, the patient included
type RecordSource interface {
	Records(ctx context.Context, patientID string) ([]Record, error)
}

// UploadRequest describes a new file
type UploadRequest struct {
	Patient     string
	DocType     string
	DocName     string
	FileName    string
	ContentType string
	Size        int64
	Private     bool
	Body        io.Reader
}

// Service uploads and lists patient documents
type Service struct {
	blobs   BlobStore
	files   FileStore
	records RecordSource
	expiry  time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates the service. expiry bounds presigned download links.
func NewService(blobs BlobStore, files FileStore, records RecordSource, expiry time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Service{
		blobs:   blobs,
		files:   files,
		records: records,
		expiry:  expiry,
		logger:  logger,
		tracer:  otel.Tracer("documents"),
		now:     time.Now,
	}
}

// DownloadPath is the API path that redirects to a presigned link
func DownloadPath(fileID string) string {
	return "/api/v1/documents/" + fileID + "/download"
}

// List groups the files of a patient and its records. Files and groups are
// newest first; records without files are left out.
func (s *Service) List(ctx context.Context, patientID string) (*Listing, error) {
	ctx, span := s.tracer.Start(ctx, "documents.list",
		trace.WithAttributes(attribute.String("patient", patientID)))
	defer span.End()

	out := &Listing{Documents: []Group{}}
	if patientID == "" {
		return out, nil
	}
	records, err := s.records.Records(ctx, patientID)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	groups := make(map[[2]string]*Group, len(records))
	for _, r := range records {
		groups[[2]string{r.DocType, r.Name}] = &Group{
			DocType:  r.DocType,
			DocLabel: r.DocType,
			DocName:  r.Name,
			Title:    r.Title,
			Route:    fmt.Sprintf("#Form/%s/%s", r.DocType, r.Name),
			Files:    []File{},
		}
	}
	for _, f := range files {
		g, ok := groups[[2]string{f.DocType, f.DocName}]
		if !ok {
			continue
		}
		f.URL = DownloadPath(f.ID)
		g.Files = append(g.Files, f)
		out.TotalFiles++
	}

	for _, g := range groups {
		if len(g.Files) == 0 {
			continue
		}
		sort.SliceStable(g.Files, func(i, j int) bool { return g.Files[i].CreatedAt.After(g.Files[j].CreatedAt) })
		g.FilesCount = len(g.Files)
		g.LatestFile = g.Files[0].CreatedAt
		out.Documents = append(out.Documents, *g)
	}
	sort.Slice(out.Documents, func(i, j int) bool {
		a, b := out.Documents[i], out.Documents[j]
		if !a.LatestFile.Equal(b.LatestFile) {
			return a.LatestFile.After(b.LatestFile)
		}
		return a.DocName < b.DocName
	})
	return out, nil
}

// Upload stores a file and attaches it to a record of the patient. An empty
// DocType attaches it to the patient itself.
func (s *Service) Upload(ctx context.Context, req UploadRequest, owner string) (*File, error) {
	ctx, span := s.tracer.Start(ctx, "documents.upload",
		trace.WithAttributes(
			attribute.String("patient", req.Patient),
			attribute.Int64("size", req.Size),
		))
	defer span.End()

	var missing []string
	if req.Patient == "" {
		missing = append(missing, "patient")
	}
	if strings.TrimSpace(req.FileName) == "" {
		missing = append(missing, "file_name")
	}
	if len(missing) > 0 {
		return nil, apperr.MissingFields(missing...)
	}
	if req.DocType == "" {
		req.DocType, req.DocName = DocPatient, req.Patient
	}

	records, err := s.records.Records(ctx, req.Patient)
	if err != nil {
		return nil, err
	}
	linked := false
	for _, r := range records {
		if r.DocType == req.DocType && r.Name == req.DocName {
			linked = true
			break
		}
	}
	if !linked {
		return nil, apperr.Validation(
			fmt.Sprintf("%s %s is not linked to patient %s", req.DocType, req.DocName, req.Patient),
			map[string]string{"attached_to_name": "not_linked"})
	}

	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}
	f := &File{
		ID:          uuid.New().String(),
		Patient:     req.Patient,
		DocType:     req.DocType,
		DocName:     req.DocName,
		FileName:    path.Base(strings.TrimSpace(req.FileName)),
		ContentType: req.ContentType,
		Size:        req.Size,
		IsPrivate:   req.Private,
		Owner:       owner,
		CreatedAt:   s.now().UTC(),
	}
	f.ObjectKey = path.Join("patients", f.Patient, f.ID, f.FileName)

	etag, err := s.blobs.Put(ctx, f.ObjectKey, req.Body, req.Size, req.ContentType)
	if err != nil {
		return nil, err
	}
	f.ContentHash = etag

	if err := s.files.Insert(ctx, f); err != nil {
		if rmErr := s.blobs.Remove(ctx, f.ObjectKey); rmErr != nil {
			s.logger.Warn("orphaned object after failed insert",
				zap.String("object_key", f.ObjectKey), zap.Error(rmErr))
		}
		return nil, err
	}
	f.URL = DownloadPath(f.ID)

	s.logger.Info("document uploaded",
		zap.String("file_id", f.ID),
		zap.String("patient", f.Patient),
		zap.String("attached_to", f.DocType+"/"+f.DocName))
	return f, nil
}

// DownloadURL returns a presigned link to a file
func (s *Service) DownloadURL(ctx context.Context, fileID string) (string, error) {
	f, err := s.files.Get(ctx, fileID)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignedURL(ctx, f.ObjectKey, f.FileName, s.expiry)
}

// Delete removes a file and its body
func (s *Service) Delete(ctx context.Context, fileID string) error {
	f, err := s.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.files.Delete(ctx, fileID); err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, f.ObjectKey); err != nil {
		s.logger.Warn("file body not removed", zap.String("object_key", f.ObjectKey), zap.Error(err))
	}
	return nil
}

// Linked lists the records of a patient from the domain stores
type Linked struct {
	Patients interface {
		Get(ctx context.Context, id string) (*patient.Patient, error)
	}
	Appointments interface {
		FindByPatient(ctx context.Context, patientID string) ([]appointment.State, error)
	}
	Encounters interface {
		ForPatient(ctx context.Context, patientID string) ([]encounter.Encounter, error)
	}
	Procedures interface {
		ForPatient(ctx context.Context, patientID string) ([]procedure.Procedure, error)
	}
	Consents interface {
		ForPatient(ctx context.Context, patientID string) ([]consent.Form, error)
	}
}

// Records implements RecordSource
func (l Linked) Records(ctx context.Context, patientID string) ([]Record, error) {
	p, err := l.Patients.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := []Record{{DocType: DocPatient, Name: p.ID, Title: p.DisplayName()}}

	appts, err := l.Appointments.FindByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, a := range appts {
		out = append(out, Record{DocType: DocAppointment, Name: a.ID, Title: titleOr(a.AppointmentType, a.ID)})
	}

	encs, err := l.Encounters.ForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, e := range encs {
		out = append(out, Record{DocType: DocEncounter, Name: e.ID, Title: titleOr(e.AppointmentType, e.ID)})
	}

	procs, err := l.Procedures.ForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, pr := range procs {
		out = append(out, Record{DocType: DocProcedure, Name: pr.ID, Title: titleOr(pr.Template, pr.ID)})
	}

	forms, err := l.Consents.ForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, f := range forms {
		out = append(out, Record{DocType: DocConsentForm, Name: f.ID, Title: titleOr(f.Template, f.ID)})
	}
	return out, nil
}

func titleOr(title, name string) string {
	if title != "" {
		return title
	}
	return name
}
