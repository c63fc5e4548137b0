package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goevery/openpreview/internal/persistence"
	"github.com/goevery/openpreview/pkg/protocol"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Comment struct {
	Id         bson.ObjectID `bson:"_id"`
	ProjectId  string        `bson:"projectId"`
	Url        string        `bson:"url"`
	Content    string        `bson:"content"`
	Selector   string        `bson:"selector"`
	XPercent   float64       `bson:"xPercent"`
	YPercent   float64       `bson:"yPercent"`
	AuthorId   string        `bson:"authorId"`
	ParentId   string        `bson:"parentId,omitempty"`
	CreateTime time.Time     `bson:"createTime"`
	UpdateTime time.Time     `bson:"updateTime"`
}

func (c Comment) toProtocol() protocol.Comment {
	return protocol.Comment{
		Id:        c.Id.Hex(),
		ProjectId: c.ProjectId,
		Content:   c.Content,
		Selector:  c.Selector,
		XPercent:  c.XPercent,
		YPercent:  c.YPercent,
		Url:       c.Url,
		AuthorId:  c.AuthorId,
		ParentId:  c.ParentId,
		CreatedAt: c.CreateTime,
		UpdatedAt: c.UpdateTime,
	}
}

type PersistenceEngine struct {
	collection *mongo.Collection
}

func Connect(uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	return client, nil
}

func NewPersistenceEngine(client *mongo.Client, databaseName string) *PersistenceEngine {
	database := client.Database(databaseName)
	collection := database.Collection("comments")

	return &PersistenceEngine{
		collection,
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	pageIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "projectId", Value: 1},
			{Key: "url", Value: 1},
			{Key: "_id", Value: 1},
		},
	}

	_, err := e.collection.Indexes().CreateOne(ctx, pageIndexModel)

	return err
}

func (e *PersistenceEngine) InsertComment(ctx context.Context, request persistence.InsertRequest) (protocol.Comment, error) {
	createTime := time.Now().UTC()

	comment := Comment{
		Id:         bson.NewObjectID(),
		ProjectId:  request.ProjectId,
		Url:        request.Url,
		Content:    request.Content,
		Selector:   request.Selector,
		XPercent:   request.XPercent,
		YPercent:   request.YPercent,
		AuthorId:   request.AuthorId,
		ParentId:   request.ParentId,
		CreateTime: createTime,
		UpdateTime: createTime,
	}

	_, err := e.collection.InsertOne(ctx, comment)
	if err != nil {
		return protocol.Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	return comment.toProtocol(), nil
}

func (e *PersistenceEngine) UpdateComment(ctx context.Context, request persistence.UpdateRequest) (protocol.Comment, error) {
	objectId, err := bson.ObjectIDFromHex(request.Id)
	if err != nil {
		return protocol.Comment{}, persistence.ErrCommentNotFound
	}

	set := bson.D{
		{Key: "selector", Value: request.Selector},
		{Key: "xPercent", Value: request.XPercent},
		{Key: "yPercent", Value: request.YPercent},
		{Key: "updateTime", Value: time.Now().UTC()},
	}
	if request.Content != "" {
		set = append(set, bson.E{Key: "content", Value: request.Content})
	}

	filter := bson.M{
		"_id":       objectId,
		"projectId": request.ProjectId,
	}
	if request.Url != "" {
		filter["url"] = request.Url
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var comment Comment
	err = e.collection.FindOneAndUpdate(ctx, filter, bson.D{{Key: "$set", Value: set}}, opts).Decode(&comment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return protocol.Comment{}, persistence.ErrCommentNotFound
	}
	if err != nil {
		return protocol.Comment{}, fmt.Errorf("update comment: %w", err)
	}

	return comment.toProtocol(), nil
}

func (e *PersistenceEngine) ListCommentsForPage(ctx context.Context, projectId string, url string) ([]protocol.Comment, error) {
	return e.find(ctx, bson.M{
		"projectId": projectId,
		"url":       url,
	})
}

func (e *PersistenceEngine) ListCommentsForProject(ctx context.Context, projectId string) ([]protocol.Comment, error) {
	return e.find(ctx, bson.M{
		"projectId": projectId,
	})
}

func (e *PersistenceEngine) find(ctx context.Context, filter bson.M) ([]protocol.Comment, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}})

	result, err := e.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find comments: %w", err)
	}

	var mongoComments []Comment
	err = result.All(ctx, &mongoComments)
	if err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}

	comments := make([]protocol.Comment, len(mongoComments))
	for i, c := range mongoComments {
		comments[i] = c.toProtocol()
	}

	return comments, nil
}
