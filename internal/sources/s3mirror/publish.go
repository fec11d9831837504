package s3mirror

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/go-hclog"

	"genhub/internal/logging"
	"genhub/internal/manifest"
)

// ContentStore is the read side of the local store.
type ContentStore interface {
	LoadManifest(ctx context.Context, id manifest.ManifestID) (*manifest.ContentManifest, error)
	OpenContentFile(id manifest.ManifestID, relativePath string) (billy.File, os.FileInfo, error)
}

// Publisher copies stored content into the mirror.
type Publisher struct {
	api    ObjectAPI
	layout Layout
	store  ContentStore
	logger hclog.Logger
}

func NewPublisher(api ObjectAPI, layout Layout, store ContentStore, logger hclog.Logger) *Publisher {
	return &Publisher{
		api:    api,
		layout: layout,
		store:  store,
		logger: logging.OrNull(logger).Named("s3mirror-publisher"),
	}
}

// Publish uploads the files of id and then its manifest, so a manifest is
// never visible before its data.
func (p *Publisher) Publish(ctx context.Context, id manifest.ManifestID) error {
	m, err := p.store.LoadManifest(ctx, id)
	if err != nil {
		return err
	}
	if m.Metadata.SourcePath != "" {
		return fmt.Errorf("content of %s is not held in the store", id)
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.putFile(ctx, m.ID, f); err != nil {
			return err
		}
	}

	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.layout.Bucket),
		Key:           aws.String(p.layout.ManifestKey(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest %s: %w", id, err)
	}
	p.logger.Info("published content", "manifest", id, "files", len(m.Files))
	return nil
}

func (p *Publisher) putFile(ctx context.Context, id manifest.ManifestID, f manifest.ManifestFile) error {
	file, info, err := p.store.OpenContentFile(id, f.RelativePath)
	if err != nil {
		return err
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.layout.Bucket),
		Key:           aws.String(p.layout.DataKey(id, f.RelativePath)),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	}
	if f.Hash != "" {
		input.Metadata = map[string]string{"sha256": f.Hash}
	}
	if _, err := p.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", id, f.RelativePath, err)
	}
	return nil
}

// Unpublish removes the manifest of id first and then its data. Missing
// objects are not an error.
func (p *Publisher) Unpublish(ctx context.Context, id manifest.ManifestID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if _, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.layout.Bucket),
		Key:    aws.String(p.layout.ManifestKey(id)),
	}); err != nil {
		return fmt.Errorf("failed to delete manifest %s: %w", id, err)
	}

	objects, err := listKeys(ctx, p.api, p.layout.Bucket, p.layout.dataPrefix(id), 0)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if _, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.layout.Bucket),
			Key:    aws.String(obj.key),
		}); err != nil {
			return fmt.Errorf("failed to delete %s: %w", obj.key, err)
		}
	}
	p.logger.Info("unpublished content", "manifest", id, "objects", len(objects)+1)
	return nil
}
