package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guestpost-automation/internal/models"
)

type recordedEvent struct {
	Type    models.EventType
	Payload map[string]any
}

type memRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	assets []models.Asset
	postID int64
}

func (r *memRecorder) AppendEvent(_ context.Context, _ uuid.UUID, t models.EventType, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: t, Payload: payload})
	return nil
}

func (r *memRecorder) InsertAsset(_ context.Context, a models.Asset) (models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets = append(r.assets, a)
	return a, nil
}

func (r *memRecorder) RecordPost(ctx context.Context, jobID uuid.UUID, postID int64, _ string, t models.EventType, payload map[string]any) error {
	r.postID = postID
	return r.AppendEvent(ctx, jobID, t, payload)
}

func (r *memRecorder) types() []models.EventType {
	out := make([]models.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeConverter struct {
	out Conversion
	err error
	got ConvertRequest
}

func (f *fakeConverter) Convert(_ context.Context, req ConvertRequest) (Conversion, error) {
	f.got = req
	return f.out, f.err
}

type fakeImages struct {
	calls []ImageRequest
	err   error
}

func (f *fakeImages) Generate(_ context.Context, req ImageRequest) (GeneratedImage, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return GeneratedImage{}, f.err
	}
	return GeneratedImage{URL: "https://cdn.example.com/gen.png", Provider: "leonardo", Model: "model-1"}, nil
}

type fakeFetcher struct{ fetched []string }

func (f *fakeFetcher) Fetch(_ context.Context, url string) (Image, error) {
	f.fetched = append(f.fetched, url)
	return Image{Data: make([]byte, 1000), FileName: "gen.png", ContentType: "image/png"}, nil
}

type fakeShrinker struct{ sizes []Size }

func (f *fakeShrinker) Shrink(img Image, w, h int) (Image, error) {
	f.sizes = append(f.sizes, Size{w, h})
	img.Data = img.Data[:len(img.Data)/2]
	return img, nil
}

type fakePublisher struct {
	tooLarge  int
	uploads   []MediaUpload
	created   []Post
	updated   map[int64]Post
	statusSet map[int64]string
	postErr   error
}

func (p *fakePublisher) UploadMedia(_ context.Context, m MediaUpload) (Media, error) {
	p.uploads = append(p.uploads, m)
	if p.tooLarge > 0 {
		p.tooLarge--
		return Media{}, fmt.Errorf("site said no: %w", ErrPayloadTooLarge)
	}
	id := int64(100 + len(p.uploads))
	return Media{ID: id, URL: fmt.Sprintf("https://blog.example.com/media/%d.png", id)}, nil
}

func (p *fakePublisher) CreatePost(_ context.Context, post Post) (PublishedPost, error) {
	if p.postErr != nil {
		return PublishedPost{}, p.postErr
	}
	p.created = append(p.created, post)
	return PublishedPost{ID: 555, URL: "https://blog.example.com/?p=555"}, nil
}

func (p *fakePublisher) UpdatePost(_ context.Context, id int64, post Post) (PublishedPost, error) {
	if p.updated == nil {
		p.updated = map[int64]Post{}
	}
	p.updated[id] = post
	return PublishedPost{ID: id, URL: fmt.Sprintf("https://blog.example.com/?p=%d", id)}, nil
}

func (p *fakePublisher) SetPostStatus(_ context.Context, id int64, status string) (PublishedPost, error) {
	if p.statusSet == nil {
		p.statusSet = map[int64]string{}
	}
	p.statusSet[id] = status
	return PublishedPost{ID: id, URL: fmt.Sprintf("https://blog.example.com/?p=%d", id)}, nil
}

type fakeCreator struct {
	res CreatorOutput
	err error
	got CreatorRequest
}

func (f *fakeCreator) Create(_ context.Context, req CreatorRequest) (CreatorOutput, error) {
	f.got = req
	return f.res, f.err
}

type harness struct {
	conv    *fakeConverter
	images  *fakeImages
	fetcher *fakeFetcher
	shrink  *fakeShrinker
	pub     *fakePublisher
	creator *fakeCreator
	orch    *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		conv: &fakeConverter{out: Conversion{
			Title: "Ten Widgets", Slug: "ten-widgets", HTML: "<p>body</p>", Excerpt: "Short", ImagePrompt: "a widget",
		}},
		images:  &fakeImages{},
		fetcher: &fakeFetcher{},
		shrink:  &fakeShrinker{},
		pub:     &fakePublisher{},
		creator: &fakeCreator{},
	}
	h.orch = New(Deps{
		Converter:  h.conv,
		Images:     h.images,
		Creator:    h.creator,
		Fetcher:    h.fetcher,
		Shrinker:   h.shrink,
		Publishers: func(SiteTarget) Publisher { return h.pub },
	}, Options{}, zap.NewNop())
	return h
}

func guestPostInput() Input {
	return Input{
		JobID:          uuid.New(),
		Attempt:        1,
		Kind:           models.GuestPost(models.DocumentSource{Kind: models.SourceDocLink, URL: "https://docs.example.com/d/1"}),
		Site:           SiteTarget{SiteURL: "https://blog.example.com"},
		PublishingSite: "blog.example.com",
		PostStatus:     models.PostStatusPublish,
		AuthorID:       4,
		CategoryIDs:    []int64{3},
	}
}

func TestRun_GuestPostSuccess(t *testing.T) {
	h := newHarness()
	rec := &memRecorder{}

	res, err := h.orch.Run(context.Background(), guestPostInput(), rec)
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventCalledConverter, models.EventConverterOK, models.EventImagePromptOK,
		models.EventImageGenerated, models.EventPostCreated,
	}, rec.types())
	assert.Equal(t, "blog.example.com", h.conv.got.PublishingSite)
	assert.Equal(t, 1, rec.events[0].Payload["attempt"])

	require.Len(t, h.images.calls, 1)
	assert.Equal(t, ImageRequest{Prompt: "a widget", Width: 1024, Height: 576, Count: 1}, h.images.calls[0])

	require.Len(t, h.pub.created, 1)
	post := h.pub.created[0]
	assert.Equal(t, "ten-widgets", post.Slug)
	assert.Equal(t, int64(101), post.FeaturedMediaID)
	assert.Equal(t, []int64{3}, post.CategoryIDs)

	require.Len(t, rec.assets, 1)
	assert.Equal(t, models.AssetFeaturedImage, rec.assets[0].Type)
	assert.Equal(t, "leonardo", rec.assets[0].Provider)
	assert.Equal(t, "model-1", rec.assets[0].Meta["model_id"])

	assert.Equal(t, int64(555), res.PostID)
	assert.Equal(t, int64(555), rec.postID)
	assert.Equal(t, models.EventPostCreated, res.PostEvent)
}

func TestRun_UpdatesExistingPost(t *testing.T) {
	h := newHarness()
	rec := &memRecorder{}
	in := guestPostInput()
	existing := int64(77)
	in.ExistingPostID = &existing

	res, err := h.orch.Run(context.Background(), in, rec)
	require.NoError(t, err)
	assert.Empty(t, h.pub.created)
	assert.Contains(t, h.pub.updated, existing)
	assert.Equal(t, models.EventPostUpdated, res.PostEvent)
	assert.Equal(t, models.EventPostUpdated, rec.types()[len(rec.events)-1])
}

func TestRun_ConverterFailureStopsAtStageOne(t *testing.T) {
	h := newHarness()
	h.conv.err = errors.New("converter returned 502")
	rec := &memRecorder{}

	_, err := h.orch.Run(context.Background(), guestPostInput(), rec)
	require.Error(t, err)
	stage, ok := FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, StageConvert, stage)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, []models.EventType{models.EventCalledConverter}, rec.types())
	assert.Empty(t, h.images.calls)
	assert.Empty(t, h.pub.created)
}

func TestRun_MissingImageKeyIsPermanent(t *testing.T) {
	h := newHarness()
	h.images.err = fmt.Errorf("%w: LEONARDO_API_KEY", ErrNotConfigured)

	_, err := h.orch.Run(context.Background(), guestPostInput(), &memRecorder{})
	require.Error(t, err)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageGenerateImage, stage)
	assert.True(t, IsPermanent(err))
}

func TestRun_DownscalesOnPayloadTooLarge(t *testing.T) {
	h := newHarness()
	h.pub.tooLarge = 2

	_, err := h.orch.Run(context.Background(), guestPostInput(), &memRecorder{})
	require.NoError(t, err)
	assert.Equal(t, []Size{{768, 432}, {640, 360}}, h.shrink.sizes)
	require.Len(t, h.pub.uploads, 3)
	assert.Len(t, h.pub.uploads[2].Data, 250)
}

func TestRun_DownscaleExhausted(t *testing.T) {
	h := newHarness()
	h.pub.tooLarge = 10
	rec := &memRecorder{}

	_, err := h.orch.Run(context.Background(), guestPostInput(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	stage, _ := FailedStage(err)
	assert.Equal(t, StageUploadMedia, stage)
	assert.Len(t, h.shrink.sizes, len(DefaultDownscaleLadder))
	assert.NotContains(t, rec.types(), models.EventImageGenerated)
}

func TestRun_DiscardRecorder(t *testing.T) {
	h := newHarness()
	in := guestPostInput()
	in.JobID = uuid.Nil

	res, err := h.orch.Run(context.Background(), in, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(555), res.PostID)
}

func TestRun_CreatorOrder(t *testing.T) {
	h := newHarness()
	h.creator.res = CreatorOutput{
		Title:   "Creator Title",
		Slug:    "creator-title",
		Excerpt: "Excerpt",
		HTML:    "<p>intro</p><h2>First</h2><p>more</p>",
		Images: []CreatorImage{
			{Kind: CreatorImageFeatured, URL: "https://img.example.com/featured.jpg"},
			{Kind: CreatorImageInContent, URL: "https://img.example.com/inline.jpg"},
		},
		FeaturedAlt: "alt text",
		Phases:      []string{"phase1", "phase5", "phase6"},
	}
	rec := &memRecorder{}
	in := guestPostInput()
	in.Kind = models.CreatorOrder()
	in.Anchor, in.Topic, in.TargetURL = "best widgets", "widgets", "https://client.example.com"

	_, err := h.orch.Run(context.Background(), in, rec)
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventPhaseMarker, models.EventPhaseMarker, models.EventPhaseMarker, models.EventPhaseMarker,
		models.EventImageGenerated, models.EventPostCreated,
	}, rec.types())
	assert.Equal(t, "https://client.example.com", h.creator.got.TargetSiteURL)
	assert.Equal(t, "https://blog.example.com", h.creator.got.PublishingSiteURL)
	assert.Empty(t, h.images.calls)
	assert.Equal(t, []string{"https://img.example.com/featured.jpg", "https://img.example.com/inline.jpg"}, h.fetcher.fetched)
	assert.Equal(t, "creator", rec.assets[0].Provider)

	require.Len(t, h.pub.created, 1)
	assert.Contains(t, h.pub.created[0].Content, `</h2><figure class="wp-block-image"><img src="https://blog.example.com/media/102.png" alt="alt text"/></figure><p>more</p>`)
}

func TestRun_CreatorOrderGeneratesMissingFeaturedImage(t *testing.T) {
	h := newHarness()
	h.creator.res = CreatorOutput{Title: "T", Slug: "t", Excerpt: "e", HTML: "<p>x</p>", FeaturedPrompt: "sunrise"}
	rec := &memRecorder{}
	in := guestPostInput()
	in.Kind = models.CreatorOrder()

	_, err := h.orch.Run(context.Background(), in, rec)
	require.NoError(t, err)
	require.Len(t, h.images.calls, 1)
	assert.Equal(t, "sunrise", h.images.calls[0].Prompt)
	assert.Contains(t, rec.types(), models.EventImagePromptOK)
}

func TestRun_CreatorFailure(t *testing.T) {
	h := newHarness()
	h.creator.err = errors.New("creator timed out")

	in := guestPostInput()
	in.Kind = models.CreatorOrder()
	_, err := h.orch.Run(context.Background(), in, &memRecorder{})
	stage, _ := FailedStage(err)
	assert.Equal(t, StageCreateContent, stage)
}

func TestRun_ManualOrder(t *testing.T) {
	h := newHarness()
	in := guestPostInput()
	in.Kind = models.ManualOrder()

	_, err := h.orch.Run(context.Background(), in, &memRecorder{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	postID := int64(42)
	in.ExistingPostID = &postID
	rec := &memRecorder{}
	res, err := h.orch.Run(context.Background(), in, rec)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublish, h.pub.statusSet[42])
	assert.Equal(t, int64(42), res.PostID)
	assert.Equal(t, []models.EventType{models.EventPostUpdated}, rec.types())
	assert.Equal(t, "manual_publish", rec.events[0].Payload["action"])
}

func TestInsertAfterFirstH2(t *testing.T) {
	assert.Equal(t, "<h2>A</h2>X<p>b</p><h2>C</h2>", insertAfterFirstH2("<h2>A</h2><p>b</p><h2>C</h2>", "X"))
	assert.Equal(t, "X<p>no headings</p>", insertAfterFirstH2("<p>no headings</p>", "X"))
	assert.Equal(t, "<H2>A</H2>X", insertAfterFirstH2("<H2>A</H2>", "X"))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad")
	wrapped := fmt.Errorf("outer: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(&StageError{Stage: StageConvert, Err: ErrNotConfigured}))
}
