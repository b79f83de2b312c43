// ABOUTME: Request validation for engine operations
// ABOUTME: Struct tags checked by go-playground/validator with cube-specific rules

package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/repository"
)

var (
	// cube names must be callable from formulas
	cubeNamePattern = regexp.MustCompile(`^[\pL_][\pL\pN_.]*$`)
	appNamePattern  = regexp.MustCompile(`^[\pL\pN_][\pL\pN_.\-]*$`)
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("cubename", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return cubeNamePattern.MatchString(s) && !strings.HasSuffix(s, ".")
	})
	_ = validate.RegisterValidation("appname", func(fl validator.FieldLevel) bool {
		return appNamePattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		return repository.CanonicalVersion(fl.Field().String()) != ""
	})
}

// identityRequest is the checked form of a cube address
type identityRequest struct {
	App     string `validate:"required,max=128,appname"`
	Version string `validate:"required,version"`
	Name    string `validate:"required,max=256,cubename"`
}

// versionRequest is the checked form of an (application, version) pair
type versionRequest struct {
	App     string `validate:"required,max=128,appname"`
	Version string `validate:"required,version"`
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &cube.Error{Kind: cube.KindInvalid, Err: cube.ErrInvalidArgument, Cause: err}
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if field == "" {
			field = "name"
		}
		parts[i] = fmt.Sprintf("%s %q fails %s", field, fe.Value(), fe.Tag())
	}
	return cube.Errorf(cube.KindInvalid, cube.ErrInvalidArgument, "%s", strings.Join(parts, "; "))
}

func checkIdentity(id cube.Identity) error {
	if err := validate.Struct(identityRequest{App: id.App, Version: id.Version, Name: id.Name}); err != nil {
		return invalid(err)
	}
	return nil
}

func checkVersion(app, version string) error {
	if err := validate.Struct(versionRequest{App: app, Version: version}); err != nil {
		return invalid(err)
	}
	return nil
}

func checkName(name string) error {
	if err := validate.Var(name, "required,max=256,cubename"); err != nil {
		return invalid(err)
	}
	return nil
}

// writable maps an identity to the SNAPSHOT cube a mutation targets
func writable(id cube.Identity) (cube.Identity, error) {
	switch id.Status {
	case cube.StatusAny:
		id.Status = cube.StatusSnapshot
	case cube.StatusRelease:
		return id, &cube.Error{Kind: cube.KindImmutable, Err: cube.ErrCubeImmutable, Cube: id.String()}
	}
	return id, checkIdentity(id)
}
