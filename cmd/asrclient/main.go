package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"kaldi-serve/internal/models"
	"kaldi-serve/internal/service/segment"
)

func main() {
	audioFile := flag.String("audio", "../../testdata/sample-8khz.wav", "Path to WAV file (16-bit mono PCM)")
	audioURI := flag.String("uri", "", "audio_uri sent to the server, defaults to -audio")
	serverURL := flag.String("server", "http://localhost:8002", "HTTP API base URL")
	grpcAddr := flag.String("grpc", "", "gRPC health address to check before submitting, e.g. localhost:5017")
	language := flag.String("lang", "en", "Language code")
	operation := flag.String("operation", "asrclient-"+time.Now().Format("150405"), "Operation name")
	async := flag.Bool("async", false, "Submit as an asynchronous job and poll for the result")
	poll := flag.Duration("poll", 500*time.Millisecond, "Poll interval for -async")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	format, pcm, err := segment.ReadWAV(f)
	f.Close()
	if err != nil {
		log.Fatalf("Invalid WAV file: %v", err)
	}
	if format.Channels != 1 || format.BitsPerSample != 16 {
		log.Fatalf("Only 16-bit mono PCM supported, got channels=%d bitsPerSample=%d", format.Channels, format.BitsPerSample)
	}
	frames := len(pcm) / format.BlockAlign()
	log.Printf("WAV file: sampleRate=%d frames=%d duration=%v",
		format.SampleRate, frames, segment.FramesDuration(frames, format.SampleRate))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *grpcAddr != "" {
		checkHealth(ctx, *grpcAddr)
	}

	uri := *audioURI
	if uri == "" {
		uri = *audioFile
	}
	req := models.JobRequest{
		OperationName: *operation,
		AudioURI:      uri,
		Config: models.RecognitionConfig{
			LanguageCode:    *language,
			SampleRateHertz: models.SampleRate(format.SampleRate),
			Encoding:        "LINEAR16",
		},
	}

	base := strings.TrimRight(*serverURL, "/")
	var resp models.Response
	if *async {
		resp = runAsync(ctx, base, req, *poll)
	} else {
		if code := postJSON(ctx, base+"/run-asr/", req, &resp); code != http.StatusOK {
			log.Fatalf("run-asr returned %d", code)
		}
	}

	if resp.Error != nil {
		log.Fatalf("Job %s failed: %s", *operation, *resp.Error)
	}
	for i, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			fmt.Printf("[%d] <no speech>\n", i)
			continue
		}
		best := r.Alternatives[0]
		fmt.Printf("[%d] %.3f %s\n", i, best.Confidence, best.Transcript)
	}
}

func checkHealth(ctx context.Context, addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	hc, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	if hc.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		log.Fatalf("Server at %s is %s", addr, hc.GetStatus())
	}
	log.Printf("Server at %s is serving", addr)
}

func runAsync(ctx context.Context, base string, req models.JobRequest, interval time.Duration) models.Response {
	var accepted struct {
		OperationName string           `json:"operation_name"`
		Status        models.JobStatus `json:"status"`
	}
	if code := postJSON(ctx, base+"/v1/operations", req, &accepted); code != http.StatusAccepted {
		log.Fatalf("Submit returned %d", code)
	}
	log.Printf("Job %s accepted: status=%s", accepted.OperationName, accepted.Status)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := accepted.Status
	for {
		var st models.JobState
		if code := getJSON(ctx, base+"/v1/operations/"+req.OperationName, &st); code != http.StatusOK {
			log.Fatalf("Poll returned %d", code)
		}
		if st.Status != last {
			log.Printf("Job %s: status=%s chunks=%d recorded=%d", st.OperationName, st.Status, st.ChunkCount, len(st.Completed))
			last = st.Status
		}
		if st.Status.IsTerminal() {
			return st.Response()
		}

		select {
		case <-ctx.Done():
			log.Fatalf("Gave up waiting for %s: %v", req.OperationName, ctx.Err())
		case <-ticker.C:
		}
	}
}

func postJSON(ctx context.Context, url string, body, out any) int {
	b, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func getJSON(ctx context.Context, url string, out any) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	return do(req, out)
}

func do(req *http.Request, out any) int {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		log.Printf("%s %s: %s", req.Method, req.URL, strings.TrimSpace(string(raw)))
		return resp.StatusCode
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode
}
