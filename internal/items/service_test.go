package items_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/najdeno/internal/db"
	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/imaging"
	"github.com/erazemk/najdeno/internal/items"
	"github.com/erazemk/najdeno/internal/media"
	"github.com/erazemk/najdeno/internal/model"
	"github.com/erazemk/najdeno/internal/store"
)

var (
	alice = identity.Claim{Subject: "u-alice", Role: model.RoleUser}
	bob   = identity.Claim{Subject: "u-bob", Role: model.RoleUser}
	admin = identity.Claim{Subject: "a-root", Role: model.RoleAdmin}
)

func newService(t *testing.T, opts ...items.Option) (*items.Service, *store.Items) {
	t.Helper()
	repo := &store.Items{DB: db.NewTestDB(t)}
	return items.NewService(repo, opts...), repo
}

func report(name string) items.ReportInput {
	return items.ReportInput{
		Name:     name,
		Category: "Electronics",
		Location: "Cafeteria",
		Type:     model.ItemTypeFound,
	}
}

func mustReport(t *testing.T, svc *items.Service, name string, claim identity.Claim) *model.Item {
	t.Helper()
	item, err := svc.Report(context.Background(), report(name), claim)
	require.NoError(t, err)
	return item
}

func TestCanTransition(t *testing.T) {
	statuses := []model.ItemStatus{model.ItemStatusPending, model.ItemStatusApproved, model.ItemStatusClaimed}
	allowed := map[[2]model.ItemStatus]bool{
		{model.ItemStatusPending, model.ItemStatusApproved}: true,
		{model.ItemStatusApproved, model.ItemStatusClaimed}: true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			assert.Equal(t, allowed[[2]model.ItemStatus{from, to}], items.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, items.CanTransition("", model.ItemStatusPending))
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, model.ItemStatusPending, items.InitialStatus(model.RoleUser))
	assert.Equal(t, model.ItemStatusApproved, items.InitialStatus(model.RoleAdmin))
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 10, 5, 9, 30, 0, 0, time.UTC)
	svc, _ := newService(t, items.WithClock(func() time.Time { return now }))

	t.Run("user report waits for moderation", func(t *testing.T) {
		item := mustReport(t, svc, "Blue umbrella", alice)
		assert.NotZero(t, item.ID)
		assert.Equal(t, model.ItemStatusPending, item.Status)
		assert.Equal(t, alice.Subject, item.ReporterID)
		assert.Equal(t, "Blue umbrella", item.Name)
		assert.Nil(t, item.Image)
		assert.True(t, item.CreatedAt.Equal(now))
	})

	t.Run("admin report is approved", func(t *testing.T) {
		item := mustReport(t, svc, "Keys", admin)
		assert.Equal(t, model.ItemStatusApproved, item.Status)
	})

	t.Run("fields are trimmed", func(t *testing.T) {
		in := report("  Scarf  ")
		in.Type = " Lost "
		item, err := svc.Report(context.Background(), in, alice)
		require.NoError(t, err)
		assert.Equal(t, "Scarf", item.Name)
		assert.Equal(t, model.ItemTypeLost, item.Type)
	})
}

func TestReport_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		edit func(*items.ReportInput)
	}{
		{"missing name", func(in *items.ReportInput) { in.Name = "" }},
		{"blank name", func(in *items.ReportInput) { in.Name = "   " }},
		{"missing type", func(in *items.ReportInput) { in.Type = "" }},
		{"unknown type", func(in *items.ReportInput) { in.Type = "Stolen" }},
		{"name too long", func(in *items.ReportInput) { in.Name = strings.Repeat("x", 201) }},
		{"description too long", func(in *items.ReportInput) { in.Description = strings.Repeat("x", 2001) }},
		{"accented name too long", func(in *items.ReportInput) { in.Name = strings.Repeat("č", 201) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &spyRepo{}
			svc := items.NewService(repo)

			in := report("Wallet")
			tt.edit(&in)
			_, err := svc.Report(context.Background(), in, alice)

			assert.ErrorIs(t, err, items.ErrInvalidInput)
			assert.Zero(t, repo.calls, "repository must not be touched")
		})
	}
}

func TestReport_LimitsCountCharacters(t *testing.T) {
	svc, _ := newService(t)

	in := report(strings.Repeat("č", 200))
	in.Location = strings.Repeat("ž", 200)
	in.Description = strings.Repeat("š", 2000)

	item, err := svc.Report(context.Background(), in, alice)
	require.NoError(t, err)
	assert.Equal(t, in.Name, item.Name)
	assert.Equal(t, in.Description, item.Description)
}

func testJPEG() io.Reader {
	var buf bytes.Buffer
	jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 24)), nil)
	return &buf
}

func TestReport_Image(t *testing.T) {
	database := db.NewTestDB(t)
	backend := &media.DBBackend{DB: database}
	svc := items.NewService(&store.Items{DB: database},
		items.WithMedia(media.NewLibrary(backend, imaging.Options{}, nil)))
	ctx := context.Background()

	t.Run("stored and referenced", func(t *testing.T) {
		in := report("Camera")
		in.Image = testJPEG()
		item, err := svc.Report(ctx, in, alice)
		require.NoError(t, err)
		require.NotNil(t, item.Image)
		require.True(t, strings.HasPrefix(*item.Image, media.DBPrefix))

		data, mime, err := backend.Open(ctx, strings.TrimPrefix(*item.Image, media.DBPrefix))
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", mime)
		assert.NotEmpty(t, data)
	})

	t.Run("invalid image rejects the report", func(t *testing.T) {
		in := report("Not a photo")
		in.Image = strings.NewReader("plain text")
		_, err := svc.Report(ctx, in, bob)
		assert.ErrorIs(t, err, items.ErrInvalidInput)

		own, err := svc.ListOwn(ctx, bob)
		require.NoError(t, err)
		assert.Empty(t, own)
	})
}

func TestReport_ImageWithoutMedia(t *testing.T) {
	svc, _ := newService(t)
	in := report("Camera")
	in.Image = testJPEG()
	_, err := svc.Report(context.Background(), in, alice)
	assert.ErrorIs(t, err, items.ErrInvalidInput)
}

type recordingMedia struct {
	put     []string
	deleted []string
}

func (m *recordingMedia) Put(context.Context, io.Reader) (string, error) {
	ref := "db:fixed"
	m.put = append(m.put, ref)
	return ref, nil
}

func (m *recordingMedia) Delete(_ context.Context, ref string) error {
	m.deleted = append(m.deleted, ref)
	return nil
}

func TestReport_ImageRemovedWhenCreateFails(t *testing.T) {
	m := &recordingMedia{}
	svc := items.NewService(&spyRepo{err: errors.New("database is locked")}, items.WithMedia(m))

	in := report("Camera")
	in.Image = testJPEG()
	_, err := svc.Report(context.Background(), in, alice)

	assert.ErrorIs(t, err, items.ErrStorage)
	assert.Equal(t, []string{"db:fixed"}, m.deleted)
}

func TestListApproved(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	pending := mustReport(t, svc, "Pending item", alice)
	approved := mustReport(t, svc, "Approved item", alice)
	claimed := mustReport(t, svc, "Claimed item", alice)
	adminItem := mustReport(t, svc, "Admin item", admin)

	_, err := svc.Approve(ctx, approved.ID, admin)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, claimed.ID, admin)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, claimed.ID, admin)
	require.NoError(t, err)

	list, err := svc.ListApproved(ctx)
	require.NoError(t, err)

	var ids []int64
	for _, item := range list {
		assert.Equal(t, model.ItemStatusApproved, item.Status)
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []int64{approved.ID, adminItem.ID}, ids)
	assert.NotContains(t, ids, pending.ID)
	assert.NotContains(t, ids, claimed.ID)
}

func TestListApproved_EmptyIsNotNil(t *testing.T) {
	svc, _ := newService(t)
	list, err := svc.ListApproved(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestListOwn(t *testing.T) {
	now := time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	svc, _ := newService(t, items.WithClock(clock))
	ctx := context.Background()

	first := mustReport(t, svc, "First", alice)
	mustReport(t, svc, "Other", bob)
	second := mustReport(t, svc, "Second", alice)
	_, err := svc.Approve(ctx, first.ID, admin)
	require.NoError(t, err)

	own, err := svc.ListOwn(ctx, alice)
	require.NoError(t, err)
	require.Len(t, own, 2)
	assert.Equal(t, second.ID, own[0].ID, "newest first")
	assert.Equal(t, model.ItemStatusPending, own[0].Status)
	assert.Equal(t, first.ID, own[1].ID)
	assert.Equal(t, model.ItemStatusApproved, own[1].Status)
}

type directoryFunc func(ctx context.Context, ids []string) (map[string]model.Reporter, error)

func (f directoryFunc) Lookup(ctx context.Context, ids []string) (map[string]model.Reporter, error) {
	return f(ctx, ids)
}

func TestListPending(t *testing.T) {
	var asked []string
	dir := directoryFunc(func(_ context.Context, ids []string) (map[string]model.Reporter, error) {
		asked = ids
		return map[string]model.Reporter{
			alice.Subject: {ID: alice.Subject, Name: "Alice", Email: "alice@example.com"},
		}, nil
	})
	svc, _ := newService(t, items.WithDirectory(dir))
	ctx := context.Background()

	mustReport(t, svc, "A1", alice)
	mustReport(t, svc, "B1", bob)
	mustReport(t, svc, "A2", alice)
	mustReport(t, svc, "Admin", admin)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.ElementsMatch(t, []string{alice.Subject, bob.Subject}, asked, "each reporter looked up once")

	for _, p := range pending {
		assert.Equal(t, model.ItemStatusPending, p.Status)
		switch p.ReporterID {
		case alice.Subject:
			require.NotNil(t, p.Reporter)
			assert.Equal(t, "Alice", p.Reporter.Name)
		case bob.Subject:
			assert.Nil(t, p.Reporter, "unknown reporter stays empty")
		}
	}
}

func TestListPending_DirectoryDown(t *testing.T) {
	dir := directoryFunc(func(context.Context, []string) (map[string]model.Reporter, error) {
		return nil, errors.New("connection refused")
	})
	svc, _ := newService(t, items.WithDirectory(dir))

	mustReport(t, svc, "A1", alice)

	pending, err := svc.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].Reporter)
}

func TestApproveAndClaim(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	item := mustReport(t, svc, "Backpack", alice)

	t.Run("claim before approval", func(t *testing.T) {
		_, err := svc.Claim(ctx, item.ID, admin)
		var terr *items.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.ErrorIs(t, err, items.ErrInvalidTransition)
		assert.Equal(t, model.ItemStatusPending, terr.Current)

		own, err := svc.ListOwn(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, model.ItemStatusPending, own[0].Status, "item left untouched")
	})

	t.Run("approve", func(t *testing.T) {
		updated, err := svc.Approve(ctx, item.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, model.ItemStatusApproved, updated.Status)
		assert.Equal(t, alice.Subject, updated.ReporterID)
	})

	t.Run("approve twice", func(t *testing.T) {
		_, err := svc.Approve(ctx, item.ID, admin)
		var terr *items.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, model.ItemStatusApproved, terr.Current)
	})

	t.Run("claim", func(t *testing.T) {
		updated, err := svc.Claim(ctx, item.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, model.ItemStatusClaimed, updated.Status)
	})

	t.Run("claimed is terminal", func(t *testing.T) {
		_, err := svc.Claim(ctx, item.ID, admin)
		assert.ErrorIs(t, err, items.ErrInvalidTransition)
		_, err = svc.Approve(ctx, item.ID, admin)
		assert.ErrorIs(t, err, items.ErrInvalidTransition)
	})

	t.Run("missing item", func(t *testing.T) {
		_, err := svc.Approve(ctx, 9999, admin)
		assert.ErrorIs(t, err, items.ErrNotFound)
		_, err = svc.Claim(ctx, 9999, admin)
		assert.ErrorIs(t, err, items.ErrNotFound)
	})
}

// spyRepo counts calls and fails every one of them with err.
type spyRepo struct {
	calls int
	err   error
}

func (r *spyRepo) fail() error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	return errors.New("unexpected repository call")
}

func (r *spyRepo) Create(context.Context, model.Item, string) (*model.Item, error) {
	return nil, r.fail()
}

func (r *spyRepo) Find(context.Context, store.ItemFilter, store.SortOrder) ([]model.Item, error) {
	return nil, r.fail()
}

func (r *spyRepo) Get(context.Context, int64) (*model.Item, error) {
	return nil, r.fail()
}

func (r *spyRepo) UpdateStatus(context.Context, int64, model.ItemStatus, model.ItemStatus, string) (*model.Item, error) {
	return nil, r.fail()
}

func (r *spyRepo) History(context.Context, int64) ([]model.Transition, error) {
	return nil, r.fail()
}

func TestNonAdminIsForbiddenBeforeStorage(t *testing.T) {
	repo := &spyRepo{}
	svc := items.NewService(repo)
	ctx := context.Background()

	_, err := svc.Approve(ctx, 1, alice)
	assert.ErrorIs(t, err, items.ErrForbidden)
	_, err = svc.Claim(ctx, 1, alice)
	assert.ErrorIs(t, err, items.ErrForbidden)
	_, err = svc.History(ctx, 1, alice)
	assert.ErrorIs(t, err, items.ErrForbidden)

	assert.Zero(t, repo.calls)
}

func TestStorageFailures(t *testing.T) {
	cause := errors.New("disk I/O error")
	svc := items.NewService(&spyRepo{err: cause})
	ctx := context.Background()

	_, err := svc.Approve(ctx, 1, admin)
	assert.ErrorIs(t, err, items.ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, items.ErrInvalidTransition)
	assert.NotErrorIs(t, err, items.ErrNotFound)

	var serr *items.StorageError
	require.ErrorAs(t, err, &serr)

	_, err = svc.ListApproved(ctx)
	assert.ErrorIs(t, err, items.ErrStorage)
	_, err = svc.Report(ctx, report("Hat"), alice)
	assert.ErrorIs(t, err, items.ErrStorage)
}

func TestConcurrentApprove(t *testing.T) {
	svc, _ := newService(t)
	item := mustReport(t, svc, "Phone", alice)

	const workers = 2
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(context.Background(), item.ID, admin)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, items.ErrInvalidTransition):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestConcurrentApproveAndClaim_FileDB(t *testing.T) {
	repo := &store.Items{DB: db.NewFileTestDB(t)}
	svc := items.NewService(repo)
	ctx := context.Background()

	const (
		rounds  = 20
		workers = 16
	)
	for round := 0; round < rounds; round++ {
		item := mustReport(t, svc, "Scarf", alice)

		start := make(chan struct{})
		var approved, claimed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			claimOp := i%2 == 1
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				var err error
				if claimOp {
					_, err = svc.Claim(ctx, item.ID, admin)
				} else {
					_, err = svc.Approve(ctx, item.ID, admin)
				}
				switch {
				case err == nil && claimOp:
					claimed.Add(1)
				case err == nil:
					approved.Add(1)
				default:
					assert.ErrorIs(t, err, items.ErrInvalidTransition, "round %d", round)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, approved.Load(), "round %d approvals", round)
		require.LessOrEqual(t, claimed.Load(), int32(1), "round %d claims", round)

		got, err := repo.Get(ctx, item.ID)
		require.NoError(t, err)
		want := model.ItemStatusApproved
		if claimed.Load() == 1 {
			want = model.ItemStatusClaimed
		}
		assert.Equal(t, want, got.Status, "round %d", round)

		history, err := svc.History(ctx, item.ID, admin)
		require.NoError(t, err)
		assert.Len(t, history, 2+int(claimed.Load()), "round %d", round)
	}
}

func TestRandomInterleavingsStayOnForwardPath(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, mustReport(t, svc, "item", alice).ID)
	}

	var mu sync.Mutex
	approvals := make(map[int64]int)
	claims := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		id := ids[rng.Intn(len(ids))]
		claimOp := rng.Intn(2) == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if claimOp {
				_, err = svc.Claim(ctx, id, admin)
			} else {
				_, err = svc.Approve(ctx, id, admin)
			}
			if err != nil {
				assert.ErrorIs(t, err, items.ErrInvalidTransition)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if claimOp {
				claims[id]++
			} else {
				approvals[id]++
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.LessOrEqual(t, approvals[id], 1, "item %d approved more than once", id)
		assert.LessOrEqual(t, claims[id], approvals[id], "item %d claimed without approval", id)
	}

	for _, id := range ids {
		history, err := svc.History(ctx, id, admin)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, model.ItemStatus(""), history[0].From)
		for i := 1; i < len(history); i++ {
			assert.True(t, items.CanTransition(history[i].From, history[i].To),
				"item %d: %s -> %s", id, history[i].From, history[i].To)
			assert.Equal(t, history[i-1].To, history[i].From)
		}
	}
}

func TestHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	item := mustReport(t, svc, "Gloves", alice)

	_, err := svc.Approve(ctx, item.ID, admin)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, item.ID, admin)
	require.NoError(t, err)

	history, err := svc.History(ctx, item.ID, admin)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, alice.Subject, history[0].ActorID)
	assert.Equal(t, model.ItemStatusPending, history[0].To)
	assert.Equal(t, admin.Subject, history[1].ActorID)
	assert.Equal(t, model.ItemStatusApproved, history[1].To)
	assert.Equal(t, model.ItemStatusClaimed, history[2].To)

	_, err = svc.History(ctx, 4242, admin)
	assert.ErrorIs(t, err, items.ErrNotFound)
}
