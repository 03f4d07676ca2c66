package ocr

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/veridoc-ai/veridoc/internal/config"
	"github.com/veridoc-ai/veridoc/internal/core"
)

// TextractClient drives AWS Textract's asynchronous text detection as the
// batch OCR provider. Input objects are read straight from the staging
// bucket; the JobId is the operation handle the poller tracks.
type TextractClient struct {
	client *textract.Client
}

func NewTextractClient(ctx context.Context, cfg *cfg.Config) (core.OCRProvider, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log.Println("ocr: connected to AWS Textract")
	return &TextractClient{client: textract.NewFromConfig(awsCfg)}, nil
}

func (c *TextractClient) Submit(ctx context.Context, bucket, key, contentType string) (string, error) {
	ctxStart, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := c.client.StartDocumentTextDetection(ctxStart, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("textract start: %w", err)
	}
	return aws.ToString(out.JobId), nil
}

// Poll reports the operation state. While the job is running only Done=false
// is filled in; on success the LINE blocks are folded into per-page text.
func (c *TextractClient) Poll(ctx context.Context, operationRef string) (*core.OCRResult, error) {
	pages := map[int][]string{}

	var nextToken *string
	for {
		ctxGet, cancel := context.WithTimeout(ctx, 30*time.Second)
		out, err := c.client.GetDocumentTextDetection(ctxGet, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(operationRef),
			NextToken: nextToken,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("textract get: %w", err)
		}

		switch out.JobStatus {
		case types.JobStatusInProgress:
			return &core.OCRResult{Done: false}, nil
		case types.JobStatusFailed:
			return &core.OCRResult{
				Done:          true,
				Failed:        true,
				StatusMessage: aws.ToString(out.StatusMessage),
			}, nil
		}

		for _, b := range out.Blocks {
			if b.BlockType != types.BlockTypeLine || b.Text == nil {
				continue
			}
			p := int(aws.ToInt32(b.Page))
			if p == 0 {
				p = 1
			}
			pages[p] = append(pages[p], aws.ToString(b.Text))
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	nums := make([]int, 0, len(pages))
	for p := range pages {
		nums = append(nums, p)
	}
	sort.Ints(nums)

	res := &core.OCRResult{Done: true}
	for _, p := range nums {
		res.Pages = append(res.Pages, core.OCRPage{
			PageNumber: p,
			Text:       strings.Join(pages[p], "\n"),
		})
	}
	return res, nil
}

var _ core.OCRProvider = (*TextractClient)(nil)
