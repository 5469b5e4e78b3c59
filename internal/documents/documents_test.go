package documents

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohealth/clinicflow/internal/apperr"
)

type memBlobs struct {
	objects map[string]string
	failPut bool
}

func (m *memBlobs) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if m.failPut {
		return "", errors.New("storage unavailable")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = string(b)
	return "etag-" + key, nil
}

func (m *memBlobs) PresignedURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error) {
	return "https://files.example/" + key + "?expires=" + expiry.String(), nil
}

func (m *memBlobs) Remove(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type memFiles struct{ files []File }

func (m *memFiles) Insert(ctx context.Context, f *File) error {
	m.files = append(m.files, *f)
	return nil
}

func (m *memFiles) Get(ctx context.Context, id string) (*File, error) {
	for _, f := range m.files {
		if f.ID == id {
			return &f, nil
		}
	}
	return nil, apperr.NotFound("File", id)
}

func (m *memFiles) ForPatient(ctx context.Context, patientID string) ([]File, error) {
	var out []File
	for _, f := range m.files {
		if f.Patient == patientID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memFiles) Delete(ctx context.Context, id string) error {
	for i, f := range m.files {
		if f.ID == id {
			m.files = append(m.files[:i], m.files[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("File", id)
}

type staticRecords []Record

func (s staticRecords) Records(ctx context.Context, patientID string) ([]Record, error) {
	return s, nil
}

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newService() (*Service, *memBlobs, *memFiles) {
	blobs := &memBlobs{objects: map[string]string{}}
	files := &memFiles{}
	records := staticRecords{
		{DocType: DocPatient, Name: "PAT-1", Title: "Sara Ali"},
		{DocType: DocAppointment, Name: "APT-1", Title: "Consultation"},
		{DocType: DocEncounter, Name: "ENC-1", Title: "ENC-1"},
	}
	svc := NewService(blobs, files, records, 5*time.Minute, nil)
	return svc, blobs, files
}

func TestUploadAndList(t *testing.T) {
	svc, blobs, files := newService()
	ctx := context.Background()

	uploads := []UploadRequest{
		{Patient: "PAT-1", FileName: "id-card.png", Body: strings.NewReader("png")},
		{Patient: "PAT-1", DocType: DocAppointment, DocName: "APT-1", FileName: "referral.pdf", ContentType: "application/pdf", Body: strings.NewReader("pdf")},
		{Patient: "PAT-1", DocType: DocAppointment, DocName: "APT-1", FileName: "../lab.pdf", Body: strings.NewReader("lab")},
	}
	for i, req := range uploads {
		at := base.Add(time.Duration(i) * time.Hour)
		svc.now = func() time.Time { return at }
		if _, err := svc.Upload(ctx, req, "reception@clinic"); err != nil {
			t.Fatalf("Upload(%s) error = %v", req.FileName, err)
		}
	}
	if len(blobs.objects) != 3 {
		t.Fatalf("stored objects = %d, want 3", len(blobs.objects))
	}
	if got := files.files[2].FileName; got != "lab.pdf" {
		t.Errorf("file name = %q, want directory stripped", got)
	}
	if files.files[0].ContentType != "application/octet-stream" || files.files[0].DocName != "PAT-1" {
		t.Errorf("patient file = %+v", files.files[0])
	}

	got, err := svc.List(ctx, "PAT-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got.TotalFiles != 3 {
		t.Errorf("total files = %d, want 3", got.TotalFiles)
	}
	type groupView struct {
		DocName string
		Files   []string
		Latest  time.Time
	}
	var view []groupView
	for _, g := range got.Documents {
		gv := groupView{DocName: g.DocName, Latest: g.LatestFile}
		for _, f := range g.Files {
			gv.Files = append(gv.Files, f.FileName)
		}
		view = append(view, gv)
	}
	want := []groupView{
		{DocName: "APT-1", Files: []string{"lab.pdf", "referral.pdf"}, Latest: base.Add(2 * time.Hour)},
		{DocName: "PAT-1", Files: []string{"id-card.png"}, Latest: base},
	}
	if diff := cmp.Diff(want, view); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
	if url := got.Documents[0].Files[0].URL; !strings.HasPrefix(url, "/api/v1/documents/") {
		t.Errorf("file url = %q", url)
	}
}

func TestUploadRejectsUnlinkedRecord(t *testing.T) {
	svc, blobs, _ := newService()
	_, err := svc.Upload(context.Background(), UploadRequest{
		Patient: "PAT-1", DocType: DocEncounter, DocName: "ENC-OTHER", FileName: "x.pdf", Body: strings.NewReader("x"),
	}, "u")
	if !apperr.IsValidation(err) {
		t.Fatalf("Upload() error = %v, want validation", err)
	}
	if len(blobs.objects) != 0 {
		t.Error("nothing should be stored for a rejected upload")
	}

	_, err = svc.Upload(context.Background(), UploadRequest{Patient: "PAT-1"}, "u")
	if ae := apperr.As(err); ae == nil || !cmp.Equal(ae.DetailKeys(), []string{"file_name"}) {
		t.Errorf("Upload() without file name error = %v", err)
	}
}

func TestUploadStorageFailure(t *testing.T) {
	svc, blobs, files := newService()
	blobs.failPut = true
	_, err := svc.Upload(context.Background(), UploadRequest{Patient: "PAT-1", FileName: "a.txt", Body: strings.NewReader("a")}, "u")
	if err == nil {
		t.Fatal("Upload() error = nil, want storage error")
	}
	if len(files.files) != 0 {
		t.Error("metadata must not be written when the body upload fails")
	}
}

func TestDownloadAndDelete(t *testing.T) {
	svc, blobs, files := newService()
	ctx := context.Background()
	f, err := svc.Upload(ctx, UploadRequest{Patient: "PAT-1", FileName: "scan.jpg", Body: strings.NewReader("jpg")}, "u")
	if err != nil {
		t.Fatal(err)
	}

	url, err := svc.DownloadURL(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://files.example/patients/PAT-1/" + f.ID + "/scan.jpg?expires=5m0s"; url != want {
		t.Errorf("DownloadURL() = %q, want %q", url, want)
	}

	if err := svc.Delete(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if len(files.files) != 0 || len(blobs.objects) != 0 {
		t.Error("Delete() should remove metadata and body")
	}
	if _, err := svc.DownloadURL(ctx, f.ID); !apperr.IsNotFound(err) {
		t.Errorf("DownloadURL() after delete error = %v, want not found", err)
	}
}

func TestListEmptyPatient(t *testing.T) {
	svc, _, _ := newService()
	got, err := svc.List(context.Background(), "")
	if err != nil || got.TotalFiles != 0 || got.Documents == nil {
		t.Errorf("List(\"\") = %+v, %v", got, err)
	}
}
