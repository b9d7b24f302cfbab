package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"reflect"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/formprep/internal/domain"
)

func TestNewChain_StageOrder(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 100, Height: 140}

	cfg := domain.DefaultPipelineConfig()
	chain, err := NewChain(cfg, geom)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	want := []string{StageAutoOrient, StageDeskew, StageTrim, StageColorspace, StageFit}
	if got := chain.StageNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("default stages = %v, want %v", got, want)
	}

	cfg.DeskewThresholdPercent = 0
	cfg.Grayscale = false
	cfg.Binarize = true
	cfg.Bullseye.Enabled = true
	chain, err = NewChain(cfg, geom)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	want = []string{StageAutoOrient, StageTrim, StageBinarize, StageFit, StageBullseye}
	if got := chain.StageNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestNewChain_RejectsBadGeometry(t *testing.T) {
	_, err := NewChain(domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 0, Height: 10})
	if !errors.Is(err, domain.ErrTemplateDimensionUnparseable) {
		t.Fatalf("expected dimension error, got %v", err)
	}
}

func TestChainRun_OutputAlwaysMatchesTemplate(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 200, Height: 280}
	sources := []image.Image{
		sheetImage(100, 140),
		sheetImage(1000, 1200),
		sheetImage(640, 300),
		sheetImage(200, 280),
	}

	for _, strict := range []bool{false, true} {
		cfg := domain.DefaultPipelineConfig()
		cfg.StrictResize = strict
		chain, err := NewChain(cfg, geom)
		if err != nil {
			t.Fatalf("new chain: %v", err)
		}
		for _, src := range sources {
			out, err := chain.Run(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB, Orientation: 1})
			if err != nil {
				t.Fatalf("strict=%v run %v: %v", strict, src.Bounds(), err)
			}
			if out.Width() != geom.Width || out.Height() != geom.Height {
				t.Fatalf("strict=%v source %v produced %dx%d", strict, src.Bounds(), out.Width(), out.Height())
			}
			if out.ColorSpace != ColorSpaceGray {
				t.Fatalf("expected gray colourspace, got %s", out.ColorSpace)
			}
		}
	}
}

func TestChainRun_DeskewZeroSkipsStage(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 150, Height: 210}
	cfg := domain.DefaultPipelineConfig()
	cfg.DeskewThresholdPercent = 0

	chain, err := NewChain(cfg, geom)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	manual := newChain(geom,
		autoOrientStage{},
		trimStage{},
		grayscaleStage{},
		fitStage{geometry: geom},
	)

	src := Raster{Image: rotatedBars(300, 420, -4), ColorSpace: ColorSpaceRGB, Orientation: 1}
	got, err := chain.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("run chain: %v", err)
	}
	want, err := manual.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("run manual chain: %v", err)
	}

	g, w := got.Image.(*image.Gray), want.Image.(*image.Gray)
	if !reflect.DeepEqual(g.Pix, w.Pix) {
		t.Fatal("expected deskew=0 output to equal a chain without deskew")
	}
}

func TestChainRun_UniformInputIsDegenerate(t *testing.T) {
	chain, err := NewChain(domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 50, Height: 50})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	_, err = chain.Run(context.Background(), Raster{Image: uniformGray(80, 80, 0xff), ColorSpace: ColorSpaceGray})
	if !errors.Is(err, domain.ErrDegenerateRaster) {
		t.Fatalf("expected degenerate raster, got %v", err)
	}
}

func TestChainRun_EmptyInputIsDegenerate(t *testing.T) {
	chain := newChain(domain.TemplateGeometry{Width: 5, Height: 5})
	if _, err := chain.Run(context.Background(), Raster{}); !errors.Is(err, domain.ErrDegenerateRaster) {
		t.Fatalf("expected degenerate raster, got %v", err)
	}
}

func TestChainRun_GeometryMismatchDetected(t *testing.T) {
	chain := newChain(domain.TemplateGeometry{Width: 10, Height: 10}, trimStage{})
	_, err := chain.Run(context.Background(), Raster{Image: sheetImage(40, 40), ColorSpace: ColorSpaceRGB})
	if !errors.Is(err, domain.ErrGeometryMismatch) {
		t.Fatalf("expected geometry mismatch, got %v", err)
	}
}

func TestChainRun_CancelledBetweenStages(t *testing.T) {
	chain, err := NewChain(domain.DefaultPipelineConfig(), domain.TemplateGeometry{Width: 20, Height: 20})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := chain.Run(ctx, Raster{Image: sheetImage(40, 40), ColorSpace: ColorSpaceRGB}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPlanFit(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 2000, Height: 2800}

	plan := PlanFit(1000, 1400, geom, false)
	if plan != (FitPlan{ScaledW: 2000, ScaledH: 2800}) {
		t.Fatalf("same aspect plan = %+v", plan)
	}
	if plan.Padded(geom) {
		t.Fatal("same aspect plan should not pad")
	}

	plan = PlanFit(1000, 1200, geom, false)
	if plan != (FitPlan{ScaledW: 2000, ScaledH: 2400, OffsetX: 0, OffsetY: 200}) {
		t.Fatalf("taller template plan = %+v", plan)
	}
	if !plan.Padded(geom) {
		t.Fatal("expected vertical padding")
	}

	plan = PlanFit(1000, 1200, geom, true)
	if plan != (FitPlan{ScaledW: 2000, ScaledH: 2800}) {
		t.Fatalf("strict plan = %+v", plan)
	}
}

func TestPlanFit_NeverCropsOrOverflows(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 1654, Height: 2339}
	canvas := image.Rect(0, 0, geom.Width, geom.Height)
	sizes := [][2]int{{1, 1}, {3000, 10}, {10, 3000}, {2480, 3508}, {1653, 2339}, {997, 1409}}

	for _, size := range sizes {
		plan := PlanFit(size[0], size[1], geom, false)
		if !plan.Rect().In(canvas) {
			t.Fatalf("plan for %v overflows canvas: %+v", size, plan)
		}
		if plan.ScaledW != geom.Width && plan.ScaledH != geom.Height {
			t.Fatalf("plan for %v touches neither edge: %+v", size, plan)
		}
	}
}

func TestFitStage_PadsWithWhite(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 200, Height: 280}
	src := uniformGray(1000, 1200, 0)

	out, err := fitStage{geometry: geom}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	g := out.Image.(*image.Gray)

	if v := g.GrayAt(100, 10).Y; v != 0xff {
		t.Fatalf("top padding = %d, want white", v)
	}
	if v := g.GrayAt(100, 270).Y; v != 0xff {
		t.Fatalf("bottom padding = %d, want white", v)
	}
	if v := g.GrayAt(100, 140).Y; v > 16 {
		t.Fatalf("content pixel = %d, want dark", v)
	}
}

func TestFitStage_StrictNeverPads(t *testing.T) {
	geom := domain.TemplateGeometry{Width: 200, Height: 280}
	out, err := fitStage{geometry: geom, strict: true}.Apply(context.Background(), Raster{Image: uniformGray(1000, 1200, 0), ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	g := out.Image.(*image.Gray)
	for _, y := range []int{0, 10, 140, 270, 279} {
		if v := g.GrayAt(100, y).Y; v > 16 {
			t.Fatalf("row %d pixel = %d, strict fit must not pad", y, v)
		}
	}
}

func TestFitStage_BilevelStaysTwoLevels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 90, 70))
	for i := range src.Pix {
		if (i/7)%2 == 0 {
			src.Pix[i] = 0xff
		}
	}

	out, err := fitStage{geometry: domain.TemplateGeometry{Width: 131, Height: 97}}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceBilevel})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	assertTwoLevels(t, out.Image.(*image.Gray))
}

func TestFitStage_MatchingSizeIsUnchanged(t *testing.T) {
	src := sheetImage(64, 48)
	out, err := fitStage{geometry: domain.TemplateGeometry{Width: 64, Height: 48}}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if out.Image != image.Image(src) {
		t.Fatal("expected fit to pass a matching raster through untouched")
	}
}

func TestTrimStage_CropsToContent(t *testing.T) {
	src := uniformGray(100, 80, 0xff)
	for y := 10; y < 50; y++ {
		for x := 20; x < 60; x++ {
			src.SetGray(x, y, color.Gray{Y: 0})
		}
	}

	out, err := trimStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if out.Width() != 40 || out.Height() != 40 {
		t.Fatalf("trimmed to %dx%d, want 40x40", out.Width(), out.Height())
	}
	if out.Image.Bounds().Min != (image.Point{}) {
		t.Fatalf("expected repaged origin, got %v", out.Image.Bounds().Min)
	}
	if _, ok := out.Image.(*image.Gray); !ok {
		t.Fatalf("expected gray result, got %T", out.Image)
	}
}

func TestTrimStage_FuzzIgnoresNearBackground(t *testing.T) {
	src := uniformGray(100, 80, 250)
	src.SetGray(95, 5, color.Gray{Y: 245})
	for y := 30; y < 40; y++ {
		for x := 30; x < 50; x++ {
			src.SetGray(x, y, color.Gray{Y: 0})
		}
	}

	exact, err := trimStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if exact.Width() != 66 || exact.Height() != 35 {
		t.Fatalf("exact trim = %dx%d, want 66x35", exact.Width(), exact.Height())
	}

	fuzzy, err := trimStage{fuzzPercent: 5}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if fuzzy.Width() != 20 || fuzzy.Height() != 10 {
		t.Fatalf("fuzzy trim = %dx%d, want 20x10", fuzzy.Width(), fuzzy.Height())
	}
}

func TestTrimStage_UniformIsDegenerate(t *testing.T) {
	_, err := trimStage{}.Apply(context.Background(), Raster{Image: uniformGray(10, 10, 0x80), ColorSpace: ColorSpaceGray})
	if !errors.Is(err, domain.ErrDegenerateRaster) {
		t.Fatalf("expected degenerate raster, got %v", err)
	}
}

func TestBinarizeStage_TwoLevelsAtThreshold(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 256, 1))
	for x := 0; x < 256; x++ {
		src.Pix[x] = uint8(x)
	}

	out, err := binarizeStage{thresholdPercent: 50}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("binarize: %v", err)
	}
	if out.ColorSpace != ColorSpaceBilevel {
		t.Fatalf("expected bilevel, got %s", out.ColorSpace)
	}
	g := out.Image.(*image.Gray)
	assertTwoLevels(t, g)
	if g.Pix[128] != 0 || g.Pix[129] != 0xff {
		t.Fatalf("threshold boundary: pix[128]=%d pix[129]=%d", g.Pix[128], g.Pix[129])
	}
	if src.Pix[200] != 200 {
		t.Fatal("binarize mutated its input")
	}
}

func TestBinarizeStage_ColourInputUsesLuminance(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})
	src.Set(1, 0, color.RGBA{R: 250, G: 250, B: 250, A: 255})

	out, err := binarizeStage{thresholdPercent: 55}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB})
	if err != nil {
		t.Fatalf("binarize: %v", err)
	}
	g := out.Image.(*image.Gray)
	if g.Pix[0] != 0 || g.Pix[1] != 0xff {
		t.Fatalf("expected pure red to go black and near-white to go white, got %v", g.Pix)
	}
}

func TestGrayscaleStage_KeepsBilevel(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	out, err := grayscaleStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceBilevel})
	if err != nil {
		t.Fatalf("grayscale: %v", err)
	}
	if out.ColorSpace != ColorSpaceBilevel {
		t.Fatalf("expected bilevel to survive, got %s", out.ColorSpace)
	}
}

func TestAutoOrientStage(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, red)
	src.Set(1, 0, blue)

	out, err := autoOrientStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB, Orientation: 6})
	if err != nil {
		t.Fatalf("orient: %v", err)
	}
	if out.Width() != 1 || out.Height() != 2 {
		t.Fatalf("orientation 6 should swap axes, got %dx%d", out.Width(), out.Height())
	}
	if out.Orientation != 1 {
		t.Fatalf("expected orientation reset to 1, got %d", out.Orientation)
	}
	if got := color.NRGBAModel.Convert(out.Image.At(0, 0)).(color.NRGBA); got != red {
		t.Fatalf("expected red on top after rotation, got %v", got)
	}

	out, err = autoOrientStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB, Orientation: 3})
	if err != nil {
		t.Fatalf("orient: %v", err)
	}
	if got := color.NRGBAModel.Convert(out.Image.At(0, 0)).(color.NRGBA); got != blue {
		t.Fatalf("expected blue first after 180 rotation, got %v", got)
	}

	out, err = autoOrientStage{}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB, Orientation: 1})
	if err != nil {
		t.Fatalf("orient: %v", err)
	}
	if out.Image != image.Image(src) {
		t.Fatal("upright raster should pass through")
	}
}

func TestEstimateSkew(t *testing.T) {
	if angle := estimateSkew(rotatedBars(600, 400, 0), 40); math.Abs(angle) > 0.1 {
		t.Fatalf("level bars estimated at %.2f degrees", angle)
	}
	if angle := estimateSkew(rotatedBars(600, 400, -3), 40); math.Abs(angle-3) > 0.3 {
		t.Fatalf("bars rotated 3 degrees clockwise estimated at %.2f, want ~3", angle)
	}
	if angle := estimateSkew(rotatedBars(600, 400, 2), 40); math.Abs(angle+2) > 0.3 {
		t.Fatalf("bars rotated 2 degrees counter-clockwise estimated at %.2f, want ~-2", angle)
	}
	if angle := estimateSkew(uniformGray(200, 200, 0xff), 40); angle != 0 {
		t.Fatalf("blank page estimated at %.2f, want 0", angle)
	}
}

func TestDeskewStage_LevelInputUntouched(t *testing.T) {
	src := rotatedBars(300, 200, 0)
	out, err := deskewStage{thresholdPercent: 40}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceRGB})
	if err != nil {
		t.Fatalf("deskew: %v", err)
	}
	if out.Image != image.Image(src) {
		t.Fatal("expected level raster to pass through")
	}
}

func TestBullseyeStage_MarksCorners(t *testing.T) {
	src := uniformGray(200, 300, 0xff)
	out, err := bullseyeStage{margin: 22, radius: 16}.Apply(context.Background(), Raster{Image: src, ColorSpace: ColorSpaceGray})
	if err != nil {
		t.Fatalf("bullseye: %v", err)
	}
	if out.Width() != 200 || out.Height() != 300 {
		t.Fatalf("bullseye changed geometry to %dx%d", out.Width(), out.Height())
	}
	g, ok := out.Image.(*image.Gray)
	if !ok {
		t.Fatalf("expected gray result, got %T", out.Image)
	}

	// Outer black ring, 13px from each centre.
	for _, p := range []image.Point{{35, 22}, {164, 22}, {35, 278}, {164, 278}} {
		if v := g.GrayAt(p.X, p.Y).Y; v > 64 {
			t.Fatalf("outer ring at %v = %d, want dark", p, v)
		}
	}
	// White ring, 6px from the centre.
	if v := g.GrayAt(28, 22).Y; v < 192 {
		t.Fatalf("inner white ring = %d, want light", v)
	}
	if v := g.GrayAt(100, 150).Y; v != 0xff {
		t.Fatalf("page centre = %d, want untouched white", v)
	}
	if src.Pix[src.PixOffset(35, 22)] != 0xff {
		t.Fatal("bullseye mutated its input")
	}
}

func TestBullseyeStage_CancelledDrawsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := uniformGray(120, 160, 0xff)
	out, err := bullseyeStage{margin: 22, radius: 16}.Apply(ctx, Raster{Image: src, ColorSpace: ColorSpaceGray})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !out.Empty() {
		t.Fatal("cancelled bullseye stage returned a raster")
	}
	if src.Pix[src.PixOffset(22, 22)] != 0xff {
		t.Fatal("cancelled bullseye stage drew onto its input")
	}
}

func sheetImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y := h / 8; y < h-h/8; y++ {
		for x := w / 8; x < w-w/8; x++ {
			if (y/4)%3 == 0 {
				img.Set(x, y, color.RGBA{A: 255})
			}
		}
	}
	return img
}

// rotatedBars draws thick horizontal bars on white and rotates the page
// counter-clockwise by angle degrees.
func rotatedBars(w, h int, angle float64) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y := h / 8; y < h-h/8; y++ {
		if (y/6)%5 != 0 {
			continue
		}
		for x := w / 12; x < w-w/12; x++ {
			img.Set(x, y, color.NRGBA{A: 255})
		}
	}
	if angle == 0 {
		return img
	}
	return imaging.Rotate(img, angle, color.White)
}

func uniformGray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func assertTwoLevels(t *testing.T, g *image.Gray) {
	t.Helper()
	for i, v := range g.Pix {
		if v != 0 && v != 0xff {
			t.Fatalf("pixel %d has level %d, want 0 or 255", i, v)
		}
	}
}
