package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Loaded is a parsed table together with where it came from.
type Loaded struct {
	Table    Table
	Source   string
	SHA256   string
	LoadedAt time.Time
	// Signed is true when a detached signature was verified.
	Signed bool
}

// Builtin returns the default table as a Loaded value.
func Builtin() (*Loaded, error) {
	t := Defaults()
	data, err := Marshal(t)
	if err != nil {
		return nil, err
	}
	return &Loaded{
		Table:    t,
		Source:   "builtin",
		SHA256:   cryptoutil.SHA256Hex(data),
		LoadedAt: time.Now().UTC(),
	}, nil
}

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type RemoteOptions struct {
	Logger log.Logger

	// SSMParam holds the SHA-256 of the current policy document.
	SSMParam string

	// Documents live at s3://{S3Bucket}/{S3Prefix}/{sha256}.yaml
	S3Bucket string
	S3Prefix string

	// SigningKeyARN, when set, requires s3://.../{sha256}.yaml.sig to be a
	// valid detached signature over the document.
	SigningKeyARN string

	// AWS config (uses default chain if nil)
	AWSConfig *aws.Config
}

// RemoteLoader fetches policy documents published through SSM and S3.
type RemoteLoader struct {
	opts     RemoteOptions
	ssm      ssmAPI
	s3       s3API
	verifier cryptoutil.SignatureVerifier
	logger   log.Logger
}

// NewRemoteLoader creates a RemoteLoader backed by real AWS clients.
func NewRemoteLoader(ctx context.Context, opts RemoteOptions) (*RemoteLoader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	var verifier cryptoutil.SignatureVerifier
	if opts.SigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.SigningKeyARN)
	}
	return newRemoteLoader(opts, ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), verifier), nil
}

func newRemoteLoader(opts RemoteOptions, ssmc ssmAPI, s3c s3API, verifier cryptoutil.SignatureVerifier) *RemoteLoader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &RemoteLoader{opts: opts, ssm: ssmc, s3: s3c, verifier: verifier, logger: opts.Logger}
}

func (o RemoteOptions) validate() error {
	if o.SSMParam == "" {
		return xerrors.New("SSMParam is required")
	}
	if o.S3Bucket == "" {
		return xerrors.New("S3Bucket is required")
	}
	return nil
}

// CurrentHash returns the policy digest published in SSM.
func (l *RemoteLoader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("SSM parameter %s does not hold a sha256 digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *RemoteLoader) key(hash string) string {
	if p := strings.Trim(l.opts.S3Prefix, "/"); p != "" {
		return fmt.Sprintf("%s/%s.yaml", p, hash)
	}
	return hash + ".yaml"
}

// Load fetches, verifies and parses the current policy document.
func (l *RemoteLoader) Load(ctx context.Context) (*Loaded, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash fetches the document with the given digest. The digest doubles as
// the object name, so a mismatch means the object was replaced in place.
func (l *RemoteLoader) LoadHash(ctx context.Context, hash string) (*Loaded, error) {
	if !cryptoutil.ValidSHA256Hex(hash) {
		return nil, xerrors.Newf("invalid policy digest %q", hash)
	}
	key := l.key(hash)

	l.logger.Info(ctx, "downloading policy document",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	data, err := l.getObject(ctx, key)
	if err != nil {
		return nil, err
	}

	actual := cryptoutil.SHA256Hex(data)
	if !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch for s3://%s/%s: expected %s, got %s", l.opts.S3Bucket, key, hash, actual)
	}

	signed := false
	if l.verifier != nil {
		sig, err := l.getObject(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch policy signature")
		}
		if err := l.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy signature for %s", key)
		}
		signed = true
	}

	t, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy s3://%s/%s", l.opts.S3Bucket, key)
	}

	l.logger.Info(ctx, "loaded remote policy",
		"hash", hash,
		"bytes", len(data),
		"signed", signed,
		"classes", len(t.Policies),
		"routes", len(t.Routes),
	)

	return &Loaded{
		Table:    t,
		Source:   fmt.Sprintf("s3://%s/%s", l.opts.S3Bucket, key),
		SHA256:   actual,
		LoadedAt: time.Now().UTC(),
		Signed:   signed,
	}, nil
}

func (l *RemoteLoader) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := readDocument(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	return data, nil
}
