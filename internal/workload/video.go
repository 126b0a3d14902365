package workload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

type streamingVideo struct {
	Name       string
	URL        string
	Resolution string
}

// Videos are streamed from their origin on every run so the transfer shows up
// in the network telemetry.
var streamingVideos = []streamingVideo{
	{
		Name:       "video-360p",
		URL:        "https://test-videos.co.uk/vids/bigbuckbunny/mp4/h264/360/Big_Buck_Bunny_360_10s_1MB.mp4",
		Resolution: "640x360",
	},
	{
		Name:       "video-1080p",
		URL:        "https://test-videos.co.uk/vids/bigbuckbunny/mp4/h264/1080/Big_Buck_Bunny_1080_10s_10MB.mp4",
		Resolution: "1920x1080",
	},
}

const maxVideoPlayback = 30 * time.Second

const videoPage = `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="margin:0;background:#000">
<video id="video" autoplay muted style="width:100%%"></video>
<script>
	const video = document.getElementById('video');
	const events = [];
	video.addEventListener('error', () => events.push({
		type: 'video_error',
		message: video.error ? video.error.message : 'unknown error',
	}));
	video.addEventListener('stalled', () => events.push({type: 'stalled', time: video.currentTime}));
	video.addEventListener('waiting', () => events.push({type: 'waiting', time: video.currentTime}));
	video.src = '%s';
	video.play().catch(e => console.error('autoplay failed:', e));

	window.videoStats = () => {
		const q = video.getVideoPlaybackQuality ? video.getVideoPlaybackQuality() : {};
		return {
			duration: video.duration,
			currentTime: video.currentTime,
			ended: video.ended,
			decodedFrames: q.totalVideoFrames || 0,
			droppedFrames: q.droppedVideoFrames || 0,
			videoWidth: video.videoWidth,
			videoHeight: video.videoHeight,
			events: events,
		};
	};
</script>
</body>
</html>
`

// Video streams a clip in a local page and reports playback quality.
type Video struct {
	name       string
	videoURL   string
	resolution string
	playFor    time.Duration
}

func (t *Video) Name() string {
	return t.name
}

func (t *Video) Run(ctx context.Context) (*Result, error) {
	result := newResult(t.Name())

	page, err := os.CreateTemp("", "tabcarbon-video-*.html")
	if err != nil {
		return result.finish(err)
	}
	defer os.Remove(page.Name())

	_, err = fmt.Fprintf(page, videoPage, t.resolution, t.videoURL)
	if closeErr := page.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result.finish(err)
	}

	playFor := min(t.playFor, maxVideoPlayback)
	if playFor <= 0 {
		playFor = maxVideoPlayback
	}

	var stats map[string]any
	err = chromedp.Run(ctx,
		chromedp.Navigate("file://"+page.Name()),
		chromedp.WaitVisible("#video", chromedp.ByID),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForVideo(ctx, playFor)
		}),
		chromedp.Evaluate(`window.videoStats()`, &stats),
	)
	if err != nil {
		return result.finish(err)
	}

	result.Metrics["video_url"] = t.videoURL
	result.Metrics["resolution"] = t.resolution
	for k, v := range videoMetrics(stats) {
		result.Metrics[k] = v
	}

	return result.finish(playbackError(stats))
}

// waitForVideo polls until the clip ended or playFor elapsed.
func waitForVideo(ctx context.Context, playFor time.Duration) error {
	deadline := time.After(playFor)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var ended bool
			if err := chromedp.Evaluate(`document.getElementById('video').ended`, &ended).Do(ctx); err != nil {
				return err
			}
			if ended {
				return nil
			}
		}
	}
}

func videoMetrics(stats map[string]any) map[string]any {
	decoded := getFloat64(stats["decodedFrames"])
	dropped := getFloat64(stats["droppedFrames"])

	dropRate := 0.0
	if decoded > 0 {
		dropRate = dropped / decoded * 100
	}

	return map[string]any{
		"duration":          stats["duration"],
		"decoded_frames":    decoded,
		"dropped_frames":    dropped,
		"drop_rate_percent": dropRate,
		"video_width":       stats["videoWidth"],
		"video_height":      stats["videoHeight"],
	}
}

// playbackError fails the run on decoder errors only. Stalls and buffering
// are expected while streaming.
func playbackError(stats map[string]any) error {
	if stats == nil {
		return errors.New("video stats unavailable")
	}

	events, _ := stats["events"].([]any)

	var failures []string
	for _, e := range events {
		event, ok := e.(map[string]any)
		if !ok || event["type"] != "video_error" {
			continue
		}
		failures = append(failures, fmt.Sprint(event["message"]))
	}

	if len(failures) > 0 {
		return fmt.Errorf("video playback errors: %v", failures)
	}
	return nil
}
