package s3mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type object struct {
	key      string
	size     int64
	modified time.Time
}

func listKeys(ctx context.Context, api ObjectAPI, bucket, prefix string, pageSize int32) ([]object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	paginator := s3.NewListObjectsV2Paginator(api, input, func(o *s3.ListObjectsV2PaginatorOptions) {
		if pageSize > 0 {
			o.Limit = pageSize
		}
	})

	var out []object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, object{
				key:      aws.ToString(obj.Key),
				size:     aws.ToInt64(obj.Size),
				modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func getObject(ctx context.Context, api ObjectAPI, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, 0, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}
